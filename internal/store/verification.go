package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strandhub/strand/internal/backoff"
	"github.com/strandhub/strand/internal/model"
)

const verificationColumns = `id, topic_id, callback, created, mode,
	secret, signature_algorithm, http_remote_addr, http_from,
	lease_seconds, is_publisher_validated, reason, request_id,
	attempts, next_attempt`

func scanVerification(row interface{ Scan(...any) error }) (*model.Verification, error) {
	var v model.Verification
	err := row.Scan(
		&v.ID, &v.TopicID, &v.Callback, &v.Created, &v.Mode,
		&v.Secret, &v.SignatureAlgorithm, &v.HTTPRemoteAddr, &v.HTTPFrom,
		&v.LeaseSeconds, &v.IsPublisherValidated, &v.Reason, &v.RequestID,
		&v.Attempts, &v.NextAttempt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification: %w", err)
	}
	return &v, nil
}

// VerificationInsert appends a verification request. Verifications for one
// (topic, callback) pair are append-only; the eligibility view serves only
// the newest, so a later request supersedes earlier ones without racing the
// engine that may already be processing one.
func (s *Store) VerificationInsert(v *model.Verification) error {
	if v.SignatureAlgorithm == "" {
		v.SignatureAlgorithm = "sha512"
	}
	if v.Created == 0 {
		v.Created = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO verification (id, topic_id, callback, created, mode,
			secret, signature_algorithm, http_remote_addr, http_from,
			lease_seconds, is_publisher_validated, reason, request_id,
			attempts, next_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.TopicID, v.Callback, v.Created, v.Mode,
		v.Secret, v.SignatureAlgorithm, v.HTTPRemoteAddr, v.HTTPFrom,
		v.LeaseSeconds, v.IsPublisherValidated, v.Reason, v.RequestID,
		v.Attempts, v.NextAttempt)
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// VerificationGetByID loads a verification by id.
func (s *Store) VerificationGetByID(id string) (*model.Verification, error) {
	row := s.db.QueryRow(`SELECT `+verificationColumns+` FROM verification WHERE id = ?`, id)
	return scanVerification(row)
}

// VerificationInsertDenials appends a denied verification for every unexpired
// subscription of a topic. The fetch engine calls this when a topic turns out
// deleted or loses its hub link; subscribers then learn their subscription is
// over. Returns the verification ids created.
func (s *Store) VerificationInsertDenials(topicID, reason string, newID func() string) ([]string, error) {
	now := time.Now().Unix()

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT callback FROM subscription
			WHERE topic_id = ? AND expires > ?
			  AND callback NOT IN (
				SELECT callback FROM verification WHERE topic_id = ? AND mode = ?)
		`, topicID, now, topicID, model.ModeDenied)
		if err != nil {
			return fmt.Errorf("insert denials: list callbacks: %w", err)
		}
		defer rows.Close()
		var callbacks []string
		for rows.Next() {
			var cb string
			if err := rows.Scan(&cb); err != nil {
				return err
			}
			callbacks = append(callbacks, cb)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, cb := range callbacks {
			id := newID()
			_, err := tx.Exec(`
				INSERT INTO verification (id, topic_id, callback, created, mode, reason, next_attempt)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, id, topicID, cb, now, model.ModeDenied, reason, now)
			if err != nil {
				return fmt.Errorf("insert denial for %s: %w", cb, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// --- claim primitives ---

// VerificationClaim claims up to wanted verifications needing processing.
// Claims key on the (topic, callback) pair so racing verifications for one
// subscriber serialize.
func (s *Store) VerificationClaim(wanted int, claimTimeout time.Duration, claimant string) ([]string, error) {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, topic_id, callback FROM verification_needed LIMIT ?`, wanted)
		if err != nil {
			return fmt.Errorf("select verification_needed: %w", err)
		}
		defer rows.Close()
		type pair struct{ id, topicID, callback string }
		var pairs []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.id, &p.topicID, &p.callback); err != nil {
				return err
			}
			pairs = append(pairs, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range pairs {
			if err := claimVerificationTx(tx, p.id, p.topicID, p.callback, claimant, now, expires); err != nil {
				return err
			}
			ids = append(ids, p.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// VerificationClaimByID claims one verification for immediate processing,
// overwriting any existing pair claim.
func (s *Store) VerificationClaimByID(verificationID string, claimTimeout time.Duration, claimant string) error {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	return s.withTx(func(tx *sql.Tx) error {
		var topicID, callback string
		err := tx.QueryRow(
			`SELECT topic_id, callback FROM verification WHERE id = ?`, verificationID,
		).Scan(&topicID, &callback)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("claim verification by id: %w", err)
		}
		return claimVerificationTx(tx, verificationID, topicID, callback, claimant, now, expires)
	})
}

func claimVerificationTx(tx *sql.Tx, verificationID, topicID, callback, claimant string, now, expires int64) error {
	_, err := tx.Exec(`
		INSERT INTO verification_in_progress (verification_id, topic_id, callback, claimant, claimed, claim_expires)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, callback) DO UPDATE SET
			verification_id = excluded.verification_id,
			claimant        = excluded.claimant,
			claimed         = excluded.claimed,
			claim_expires   = excluded.claim_expires
	`, verificationID, topicID, callback, claimant, now, expires)
	if err != nil {
		return fmt.Errorf("claim verification %s: %w", verificationID, err)
	}
	return nil
}

// VerificationReleaseClaim drops the pair claim held for a verification.
func (s *Store) VerificationReleaseClaim(verificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM verification_in_progress WHERE verification_id = ?`, verificationID)
	if err != nil {
		return fmt.Errorf("release verification claim: %w", err)
	}
	return nil
}

// --- completion operations ---

// VerificationComplete removes a finished verification, every older sibling
// for the same (topic, callback) pair, and the pair claim. Newer siblings
// survive: they arrived after this one and still await processing.
func (s *Store) VerificationComplete(verificationID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var topicID, callback string
		err := tx.QueryRow(
			`SELECT topic_id, callback FROM verification WHERE id = ?`, verificationID,
		).Scan(&topicID, &callback)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("verification complete: %w", err)
		}

		_, err = tx.Exec(`
			DELETE FROM verification
			WHERE topic_id = ? AND callback = ?
			  AND rowid <= (SELECT rowid FROM verification WHERE id = ?)
		`, topicID, callback, verificationID)
		if err != nil {
			return fmt.Errorf("verification complete: delete: %w", err)
		}
		_, err = tx.Exec(
			`DELETE FROM verification_in_progress WHERE verification_id = ?`, verificationID)
		if err != nil {
			return fmt.Errorf("verification complete: release claim: %w", err)
		}
		return nil
	})
}

// VerificationIncomplete schedules a retry according to the backoff schedule
// and releases the pair claim.
func (s *Store) VerificationIncomplete(verificationID string, retryDelaysSeconds []int64) error {
	now := time.Now().Unix()

	return s.withTx(func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRow(
			`SELECT attempts FROM verification WHERE id = ?`, verificationID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("verification incomplete: read attempts: %w", err)
		}

		next := now + backoff.DelaySeconds(attempts, retryDelaysSeconds)
		res, err := tx.Exec(`
			UPDATE verification SET attempts = ?, next_attempt = ? WHERE id = ?
		`, attempts+1, next, verificationID)
		if err != nil {
			return fmt.Errorf("verification incomplete: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		_, err = tx.Exec(
			`DELETE FROM verification_in_progress WHERE verification_id = ?`, verificationID)
		if err != nil {
			return fmt.Errorf("verification incomplete: release claim: %w", err)
		}
		return nil
	})
}

// VerificationUpdate rewrites the mode and reason of a claimed verification.
// Used to record a declined challenge as a denial before completing it.
func (s *Store) VerificationUpdate(verificationID, mode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE verification SET mode = ?, reason = ? WHERE id = ?`,
		mode, reason, verificationID)
	if err != nil {
		return fmt.Errorf("verification update: %w", err)
	}
	return expectRows(res, 1)
}

// VerificationValidated marks publisher validation done and makes the
// verification immediately eligible again.
func (s *Store) VerificationValidated(verificationID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE verification SET is_publisher_validated = 1, next_attempt = ? WHERE id = ?
		`, time.Now().Unix(), verificationID)
		if err != nil {
			return fmt.Errorf("verification validated: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		_, err = tx.Exec(
			`DELETE FROM verification_in_progress WHERE verification_id = ?`, verificationID)
		if err != nil {
			return fmt.Errorf("verification validated: release claim: %w", err)
		}
		return nil
	})
}

// VerificationsByTopicID lists all verification rows for a topic, oldest
// first.
func (s *Store) VerificationsByTopicID(topicID string) ([]model.Verification, error) {
	rows, err := s.db.Query(
		`SELECT `+verificationColumns+` FROM verification WHERE topic_id = ? ORDER BY created`, topicID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	var out []model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
