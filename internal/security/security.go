// Package security holds the default implementations of the collaborators a
// Host consults during admission: token generation and hashing, the seat
// license and the account store.
package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for both unknown accounts and wrong
// passwords.
var ErrInvalidCredentials = errors.New("security: invalid credentials")

// Crypto implements session.CryptoUtils.
type Crypto struct{}

// SecureRandomID returns 256 bits from crypto/rand, hex encoded.
func (Crypto) SecureRandomID() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("security: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Hash returns the hex SHA-256 of input.
func (Crypto) Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CredentialHash is what a Client puts on the wire instead of the password.
func CredentialHash(username, password string) string {
	return Crypto{}.Hash(username + ":" + password)
}

// StaticLicense grants the same seat count to every database.
type StaticLicense struct {
	Seats int
}

func (l StaticLicense) MaxSeats(string) int { return l.Seats }

// Accounts verifies credential hashes against bcrypt digests. Unknown
// accounts are compared against a decoy digest so both failure paths cost
// the same.
type Accounts struct {
	mu     sync.RWMutex
	hashes map[string][]byte
	decoy  []byte
	cost   int
}

// NewAccounts creates an empty store. cost <= 0 means bcrypt.DefaultCost.
func NewAccounts(cost int) *Accounts {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("decoy-credential"), cost)
	if err != nil {
		panic(fmt.Sprintf("security: bcrypt decoy: %v", err))
	}
	return &Accounts{
		hashes: make(map[string][]byte),
		decoy:  decoy,
		cost:   cost,
	}
}

// Add registers username with a plaintext password.
func (a *Accounts) Add(username, password string) error {
	digest, err := DigestCredential(CredentialHash(username, password), a.cost)
	if err != nil {
		return err
	}
	return a.AddDigest(username, digest)
}

// AddDigest registers username with a precomputed bcrypt digest of its
// credential hash (as produced by DigestCredential).
func (a *Accounts) AddDigest(username, digest string) error {
	if username == "" {
		return errors.New("security: empty username")
	}
	if _, err := bcrypt.Cost([]byte(digest)); err != nil {
		return fmt.Errorf("security: account %q: %w", username, err)
	}
	a.mu.Lock()
	a.hashes[username] = []byte(digest)
	a.mu.Unlock()
	return nil
}

// Verify implements hostserver.Authenticator. The returned user id is the
// username.
func (a *Accounts) Verify(_ context.Context, username, credentialHash string) (string, error) {
	a.mu.RLock()
	digest, ok := a.hashes[username]
	a.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.decoy, []byte(credentialHash))
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(digest, []byte(credentialHash)); err != nil {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// DigestCredential bcrypts a credential hash for storage in config.
func DigestCredential(credentialHash string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(credentialHash), cost)
	if err != nil {
		return "", fmt.Errorf("security: bcrypt: %w", err)
	}
	return string(digest), nil
}
