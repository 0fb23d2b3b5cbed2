package review

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeedbackSignerRequiresBothSettings(t *testing.T) {
	assert.Nil(t, NewFeedbackSigner("", "secret"))
	assert.Nil(t, NewFeedbackSigner("https://reviewd.local", ""))
	assert.NotNil(t, NewFeedbackSigner("https://reviewd.local", "secret"))
}

func TestFeedbackTokenVerify(t *testing.T) {
	s := NewFeedbackSigner("https://reviewd.local", "secret")

	token := s.Token("c-1", SignalAccepted)
	assert.True(t, s.Verify("c-1", SignalAccepted, token))
	assert.False(t, s.Verify("c-1", SignalRejected, token))
	assert.False(t, s.Verify("c-2", SignalAccepted, token))
	assert.False(t, s.Verify("c-1", SignalAccepted, token+"00"))
	assert.False(t, s.Verify("c-1", SignalAccepted, ""))
}

func TestFooterCarriesSignedLinks(t *testing.T) {
	s := NewFeedbackSigner("https://reviewd.local/", "secret")
	footer := s.Footer("c-9")

	assert.True(t, strings.HasPrefix(footer, feedbackFooterMarker))

	var signals []string
	rest := footer
	for {
		start := strings.Index(rest, "https://reviewd.local/api/feedback?")
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], ')')
		require.Greater(t, end, 0)
		u, err := url.Parse(rest[start : start+end])
		require.NoError(t, err)

		q := u.Query()
		assert.Equal(t, "c-9", q.Get("id"))
		assert.True(t, s.Verify(q.Get("id"), q.Get("signal"), q.Get("token")))
		signals = append(signals, q.Get("signal"))

		rest = rest[start+end:]
	}
	assert.Equal(t, []string{SignalAccepted, SignalRejected}, signals)
}

func TestStripFeedbackFooter(t *testing.T) {
	s := NewFeedbackSigner("https://reviewd.local", "secret")
	body := "use errors.Is here" + s.Footer("c-1")

	assert.Equal(t, "use errors.Is here", StripFeedbackFooter(body))
	assert.Equal(t, "plain body", StripFeedbackFooter("plain body"))
	assert.Equal(t, "", StripFeedbackFooter(feedbackFooterMarker+" [Helpful](x)"))
}
