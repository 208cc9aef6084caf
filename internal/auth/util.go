package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each cookie is signed with its own key derived from the
// configured cookie secret.
const (
	purposeSession = "simple-rp session cookie v1"
	purposeBinding = "simple-rp state binding v1"
)

// deriveKey derives a 32 byte HMAC key for purpose from secret.
func deriveKey(secret []byte, purpose string) []byte {
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes
		panic(err)
	}
	return key
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func mac(key []byte, data string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

// sign returns data with its signature appended.
func sign(key []byte, data string) string {
	return data + "." + mac(key, data)
}

// verify checks a value produced by sign and returns its data part.
func verify(key []byte, value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 || i == len(value)-1 {
		return "", false
	}
	data, sig := value[:i], value[i+1:]
	if !hmac.Equal([]byte(sig), []byte(mac(key, data))) {
		return "", false
	}
	return data, true
}
