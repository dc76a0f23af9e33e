package a2a

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// canonicalSep joins the signed fields. \x1f (unit separator) cannot appear in
// agent ids, message ids, or RFC 3339 timestamps, so fields cannot bleed into
// each other.
const canonicalSep = "\x1f"

// Signer computes and checks keyed digests over the immutable subset of a
// message. Mutable transit fields (status, retry_count) are excluded so the
// broker can relocate records without invalidating the signature; the
// signature itself is excluded from its own input.
type Signer struct {
	secret []byte
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

func canonical(m *Message) []byte {
	parts := []string{
		m.MessageID,
		m.From,
		m.To,
		string(m.Type),
		m.Subject,
		string(m.Body),
		formatTime(m.CreatedAt),
	}
	return []byte(strings.Join(parts, canonicalSep))
}

func (s *Signer) Sign(m *Message) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(canonical(m))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares in constant time. A false return
// means the message must be treated as never received.
func (s *Signer) Verify(m *Message) bool {
	want, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write(canonical(m))
	return hmac.Equal(mac.Sum(nil), want)
}
