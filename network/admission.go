package network

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/VanDung-dev/PeerHub-Engine/wire"
)

// AdmissionPolicy decides whether a peer that completed the hello exchange
// may join. A non-nil error refuses it; the error text is sent back as the
// refusal reason.
type AdmissionPolicy interface {
	Admit(hello *wire.Envelope, remote net.Addr) error
}

// AdmissionFunc adapts a function to AdmissionPolicy.
type AdmissionFunc func(hello *wire.Envelope, remote net.Addr) error

func (f AdmissionFunc) Admit(hello *wire.Envelope, remote net.Addr) error {
	return f(hello, remote)
}

// ChainAdmission admits a peer only if every policy does. Nil policies are
// skipped.
func ChainAdmission(policies ...AdmissionPolicy) AdmissionPolicy {
	return AdmissionFunc(func(hello *wire.Envelope, remote net.Addr) error {
		for _, p := range policies {
			if p == nil {
				continue
			}
			if err := p.Admit(hello, remote); err != nil {
				return err
			}
		}
		return nil
	})
}

// MaxNodesAdmission refuses joiners once count reports max nodes.
func MaxNodesAdmission(max int, count func() int) AdmissionPolicy {
	return AdmissionFunc(func(hello *wire.Envelope, remote net.Addr) error {
		if n := count(); n >= max {
			return fmt.Errorf("%w: mesh is full (%d nodes)", ErrAdmissionDenied, n)
		}
		return nil
	})
}

// TokenAdmission requires joiners to present a shared token in their hello.
type TokenAdmission struct {
	enabled bool
	token   string
	mu      sync.RWMutex
}

// NewTokenAdmission creates a token policy. When disabled every peer is
// admitted.
func NewTokenAdmission(enabled bool, token string) *TokenAdmission {
	return &TokenAdmission{enabled: enabled, token: token}
}

// NewTokenAdmissionFromEnv reads PEERHUB_AUTH_ENABLED and PEERHUB_AUTH_TOKEN.
// If auth is enabled without a token, a random one is generated; read it
// back with Token.
func NewTokenAdmissionFromEnv() *TokenAdmission {
	enabled := os.Getenv("PEERHUB_AUTH_ENABLED") == "true" || os.Getenv("PEERHUB_AUTH_ENABLED") == "1"
	token := os.Getenv("PEERHUB_AUTH_TOKEN")
	if enabled && token == "" {
		token = GenerateToken()
	}
	return NewTokenAdmission(enabled, token)
}

// Enabled reports whether a token is required.
func (a *TokenAdmission) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// Token returns the expected token.
func (a *TokenAdmission) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// SetToken replaces the expected token, e.g. on rotation.
func (a *TokenAdmission) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Admit compares the hello credential in constant time.
func (a *TokenAdmission) Admit(hello *wire.Envelope, remote net.Addr) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.enabled {
		return nil
	}
	if hello.Credential == "" {
		return fmt.Errorf("%w: credential required", ErrAdmissionDenied)
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(hello.Credential)) != 1 {
		return fmt.Errorf("%w: credential mismatch", ErrAdmissionDenied)
	}
	return nil
}

// GenerateToken returns a random 256-bit token, hex encoded.
func GenerateToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
