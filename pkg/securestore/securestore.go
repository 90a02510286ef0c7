// Package securestore keeps credentials in guarded memory so they never sit
// in an ordinary Go string for longer than necessary.
package securestore

import (
	"crypto/subtle"

	"github.com/awnumar/memguard"
)

// Secret holds a value securely in memory.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret creates a new secret from a string.
// The original string should be cleared from memory after use.
func NewSecret(value string) *Secret {
	if value == "" {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave([]byte(value))}
}

// IsSet reports whether the secret holds a non-empty value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// Access calls f with the plaintext value of the secret. The byte slice is
// only valid for the duration of the call and must not be retained.
func (s *Secret) Access(f func([]byte) error) error {
	if !s.IsSet() {
		return f(nil)
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	return f(buf.Bytes())
}

// EqualToConstantTime compares the secret against other without leaking
// timing information about the match.
func (s *Secret) EqualToConstantTime(other []byte) bool {
	equal := false
	_ = s.Access(func(p []byte) error {
		equal = subtle.ConstantTimeCompare(p, other) == 1
		return nil
	})
	return equal
}

// Destroy wipes the secret from memory.
func (s *Secret) Destroy() {
	if s != nil {
		s.enclave = nil
	}
}
