package mailing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
)

// Signer produces and verifies HMAC-SHA256 tokens that authorize unsubscribe
// actions without a login. The secret is process-wide configuration; it must
// never appear in logs.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer from the configured signing secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns hex(HMAC-SHA256(secret, recipient + "|" + category)).
func (s *Signer) Sign(recipient string, category Category) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s", recipient, category)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the token and compares in constant time. Tampering with
// recipient, category, or the token itself fails verification.
func (s *Signer) Verify(recipient string, category Category, token string) bool {
	expected := s.Sign(recipient, category)
	return hmac.Equal([]byte(expected), []byte(token))
}

// UnsubscribeURL builds the signed unsubscribe link embedded in footers.
// baseURL may be absolute or path-only; query parameters are appended.
func (s *Signer) UnsubscribeURL(baseURL, recipient string, category Category) string {
	params := url.Values{}
	params.Set("recipient", recipient)
	params.Set("category", string(category))
	params.Set("sig", s.Sign(recipient, category))
	return baseURL + "?" + params.Encode()
}
