package review

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// feedbackFooterMarker opens the trailer appended to posted comments.
// Stripping and appending must agree on this exact text.
const feedbackFooterMarker = "\n\n---\nWas this helpful?"

// FeedbackSigner mints and verifies the signed feedback links appended
// to posted comments. A nil signer disables the feature.
type FeedbackSigner struct {
	baseURL string
	secret  []byte
}

// NewFeedbackSigner returns nil unless both the public base URL and the
// signing secret are configured.
func NewFeedbackSigner(baseURL, secret string) *FeedbackSigner {
	if baseURL == "" || secret == "" {
		return nil
	}
	return &FeedbackSigner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  []byte(secret),
	}
}

// Token signs one (comment, signal) pair.
func (s *FeedbackSigner) Token(commentID, signal string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(commentID + ":" + signal))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presented token in constant time.
func (s *FeedbackSigner) Verify(commentID, signal, token string) bool {
	return hmac.Equal([]byte(s.Token(commentID, signal)), []byte(token))
}

func (s *FeedbackSigner) link(commentID, signal string) string {
	q := url.Values{}
	q.Set("id", commentID)
	q.Set("signal", signal)
	q.Set("token", s.Token(commentID, signal))
	return s.baseURL + "/api/feedback?" + q.Encode()
}

// Footer renders the markdown trailer for one comment id.
func (s *FeedbackSigner) Footer(commentID string) string {
	return fmt.Sprintf("%s [Helpful](%s) | [Not helpful](%s)",
		feedbackFooterMarker,
		s.link(commentID, "accepted"),
		s.link(commentID, "rejected"))
}

// StripFeedbackFooter removes the trailer so stored bodies and their
// embeddings carry only the model's words.
func StripFeedbackFooter(body string) string {
	if i := strings.Index(body, feedbackFooterMarker); i >= 0 {
		return body[:i]
	}
	return body
}
