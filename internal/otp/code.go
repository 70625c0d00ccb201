package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
)

const codeLength = 6

var codeSpace = big.NewInt(1_000_000)

// generateCode returns a uniformly distributed 6-digit numeric code (leading zeros kept)
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

// hashCode returns SHA-256(department:account:code:salt); only this digest is persisted
func hashCode(department, accountNumber, code, salt string) []byte {
	data := fmt.Sprintf("%s:%s:%s:%s", department, accountNumber, code, salt)
	hash := sha256.Sum256([]byte(data))
	return hash[:]
}

func constantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
