package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestBusLastWriteWins(t *testing.T) {
	bus := NewBus()

	_, ok := bus.Get("repo-1", "main")
	assert.False(t, ok)

	bus.Set("repo-1", "main", Event{Step: StepParsing, Progress: 1, Total: 10})
	bus.Set("repo-1", "main", Event{Step: StepEmbedding, Progress: 9, Total: 10})

	e, ok := bus.Get("repo-1", "main")
	assert.True(t, ok)
	assert.Equal(t, StepEmbedding, e.Step)
	assert.Equal(t, 9, e.Progress)

	_, ok = bus.Get("repo-1", "develop")
	assert.False(t, ok, "branches do not share entries")

	bus.Clear("repo-1", "main")
	_, ok = bus.Get("repo-1", "main")
	assert.False(t, ok)
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, Event{Step: StepParsing}.Terminal())
	assert.False(t, Event{Step: StepEmbedding}.Terminal())
	assert.True(t, Event{Step: StepDone}.Terminal())
	assert.True(t, Event{Step: StepError}.Terminal())
}

func TestBusConcurrentWriters(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			bus.Set("repo-1", "main", Event{Step: StepParsing, Progress: n})
			bus.Get("repo-1", "main")
		}(i)
	}
	wg.Wait()

	e, ok := bus.Get("repo-1", "main")
	assert.True(t, ok)
	assert.Equal(t, StepParsing, e.Step)
}
