// Package auth manages admin credentials: bcrypt-hashed passwords stored in
// the authentication table, with a strength gate for new ones. Queue engines
// never touch any of this.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ccojocar/zxcvbn-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/strandhub/strand/internal/model"
	"github.com/strandhub/strand/internal/store"
)

// minPasswordScore is the zxcvbn score (0-4) a new password must reach.
const minPasswordScore = 3

// ErrWeakPassword rejects passwords below the strength gate.
var ErrWeakPassword = errors.New("auth: password too weak")

// ErrBadCredentials covers both unknown identifiers and wrong passwords, so
// callers cannot probe for valid identifiers.
var ErrBadCredentials = errors.New("auth: bad credentials")

// CheckStrength applies the zxcvbn gate, feeding the identifier in as a
// disallowed pattern.
func CheckStrength(identifier, password string) error {
	result := zxcvbn.PasswordStrength(password, []string{identifier})
	if result.Score < minPasswordScore {
		return fmt.Errorf("%w: score %d of required %d", ErrWeakPassword, result.Score, minPasswordScore)
	}
	return nil
}

// AddUser creates or replaces an admin credential after the strength gate.
func AddUser(s *store.Store, identifier, password string) error {
	if identifier == "" {
		return errors.New("auth: identifier must not be empty")
	}
	if err := CheckStrength(identifier, password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	return s.AuthenticationUpsert(&model.Authentication{
		Identifier: identifier,
		Credential: string(hash),
		Created:    time.Now().Unix(),
	})
}

// Verify checks a password against the stored credential and records the
// authentication time on success.
func Verify(s *store.Store, identifier, password string) error {
	a, err := s.AuthenticationGet(identifier)
	if errors.Is(err, store.ErrNotFound) {
		// Burn comparable time so missing identifiers are not distinguishable.
		bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$0000000000000000000000uzdoOQj9r7oeLqNcBaB4uKIQLk9MBK6"),
			[]byte(password))
		return ErrBadCredentials
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(a.Credential), []byte(password)) != nil {
		return ErrBadCredentials
	}
	return s.AuthenticationTouch(identifier)
}
