package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes and checks payment signatures:
// hex(HMAC-SHA256(keySecret, orderID + "|" + paymentID))
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer over the gateway key secret
func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

func (s Signer) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches, in constant time
func (s Signer) Verify(orderID, paymentID, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	expected := s.Sign(orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
