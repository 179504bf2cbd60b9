package receipts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Signer signs receipt payloads with HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// Sign computes HMAC-SHA256 of the canonical JSON of p.
func (s *Signer) Sign(p any) (string, error) {
	if s == nil {
		return "", ErrSigningDisabled
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the HMAC-SHA256 signature of the canonical JSON of p.
func (s *Signer) Verify(p any, signature string) bool {
	expected, err := s.Sign(p)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
