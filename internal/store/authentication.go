package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strandhub/strand/internal/model"
)

// AuthenticationUpsert creates or replaces an admin credential.
func (s *Store) AuthenticationUpsert(a *model.Authentication) error {
	if a.Created == 0 {
		a.Created = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO authentication (identifier, credential, otp_key, created)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			credential = excluded.credential,
			otp_key    = excluded.otp_key
	`, a.Identifier, a.Credential, a.OTPKey, a.Created)
	if err != nil {
		return fmt.Errorf("upsert authentication: %w", err)
	}
	return nil
}

// AuthenticationGet loads an admin credential by identifier.
func (s *Store) AuthenticationGet(identifier string) (*model.Authentication, error) {
	var a model.Authentication
	err := s.db.QueryRow(`
		SELECT identifier, credential, otp_key, created, last_authentication
		FROM authentication WHERE identifier = ?
	`, identifier).Scan(&a.Identifier, &a.Credential, &a.OTPKey, &a.Created, &a.LastAuthentication)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authentication: %w", err)
	}
	return &a, nil
}

// AuthenticationTouch records a successful login.
func (s *Store) AuthenticationTouch(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE authentication SET last_authentication = ? WHERE identifier = ?`,
		time.Now().Unix(), identifier)
	if err != nil {
		return fmt.Errorf("touch authentication: %w", err)
	}
	return expectRows(res, 1)
}
