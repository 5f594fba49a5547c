package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

var (
	// ErrInvalidCredential é retornado quando a credencial do dispositivo é inválida ou expirou.
	ErrInvalidCredential = errors.New("credencial de dispositivo inválida")
)

// GenerateCredential cria credencial aleatória de 256 bits, devolvida ao
// cliente uma única vez.
func GenerateCredential() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Fingerprint produz identificador curto da credencial para logs.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:6])
}
