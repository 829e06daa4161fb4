package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TTL is how long an issued collaboration token stays valid.
const TTL = 5 * time.Minute

var ErrInvalidToken = errors.New("invalid collaboration token")

// Issue creates a short-lived signed token identifying userID.
// Browsers can't always attach an Authorization header to a WebSocket
// handshake, so this token is safe to embed in the connection URL.
func Issue(userID, secret string) (string, time.Time) {
	expiresAt := time.Now().Add(TTL)
	payload := fmt.Sprintf("%s:%d", userID, expiresAt.Unix())
	raw := payload + ":" + sign(payload, secret)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), expiresAt
}

// Validate checks a token issued by Issue and returns the user ID it carries.
// Malformed input, an elapsed expiry, or a signature mismatch all return
// ErrInvalidToken; no input can make this panic.
func Validate(tok, secret string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", ErrInvalidToken
	}

	// The user id may itself contain ':', so the fields are carved off from
	// the right: signature last, expiry second to last, everything before
	// that is the user id.
	s := string(raw)
	sigIdx := strings.LastIndex(s, ":")
	if sigIdx < 0 {
		return "", ErrInvalidToken
	}
	payload, signature := s[:sigIdx], s[sigIdx+1:]
	expIdx := strings.LastIndex(payload, ":")
	if expIdx < 1 {
		return "", ErrInvalidToken
	}
	userID, expiry := payload[:expIdx], payload[expIdx+1:]

	expiresAt, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() > expiresAt {
		return "", ErrInvalidToken
	}

	expected := sign(payload, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return "", ErrInvalidToken
	}
	return userID, nil
}

func sign(payload, secret string) string {
	sum := sha256.Sum256([]byte(payload + secret))
	return hex.EncodeToString(sum[:])
}
