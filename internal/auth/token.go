package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

var (
	ErrNoToken      = errors.New("no stream token available")
	ErrTokenExpired = errors.New("stream token expired")
)

// TokenSource supplies the bearer token appended to stream requests.
// Obtaining the token (login, refresh) happens elsewhere.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a token fixed at startup. An empty StaticToken yields an
// anonymous stream request.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Decrypter turns a ciphertext blob into plaintext. Satisfied by *KMSDecrypter.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// SealedToken holds a decrypted token in a memguard Enclave, encrypted at
// rest in process memory and opened only for the duration of Token. A
// non-zero TTL bounds how long the token is served.
type SealedToken struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	expiresAt time.Time

	nowFunc func() time.Time
}

// NewSealedToken decodes a base64 ciphertext, decrypts it with dec, and
// seals the plaintext. The plaintext buffer is wiped by memguard.
func NewSealedToken(ctx context.Context, dec Decrypter, ciphertextB64 string, ttl time.Duration) (*SealedToken, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertextB64))
	if err != nil {
		return nil, fmt.Errorf("auth: decode ciphertext: %w", err)
	}

	plaintext, err := dec.Decrypt(ctx, blob)
	if err != nil {
		return nil, fmt.Errorf("auth: decrypt token: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, ErrNoToken
	}

	st := &SealedToken{nowFunc: time.Now}
	st.enclave = memguard.NewEnclave(plaintext)
	if ttl > 0 {
		st.expiresAt = st.nowFunc().Add(ttl)
	}
	return st, nil
}

// Token implements TokenSource.
func (st *SealedToken) Token(context.Context) (string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.enclave == nil {
		return "", ErrNoToken
	}
	if !st.expiresAt.IsZero() && st.nowFunc().After(st.expiresAt) {
		return "", ErrTokenExpired
	}

	buf, err := st.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("auth: open enclave: %w", err)
	}
	token := string(buf.Bytes())
	buf.Destroy()
	return token, nil
}

// Destroy drops the enclave. Later Token calls return ErrNoToken.
func (st *SealedToken) Destroy() {
	st.mu.Lock()
	st.enclave = nil
	st.mu.Unlock()
}
