package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strandhub/strand/internal/backoff"
	"github.com/strandhub/strand/internal/model"
)

const subscriptionColumns = `id, topic_id, callback, created, verified, expires,
	secret, signature_algorithm, http_remote_addr, http_from,
	content_delivered, latest_content_delivered,
	delivery_attempts_since_success, delivery_next_attempt`

func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	err := row.Scan(
		&sub.ID, &sub.TopicID, &sub.Callback, &sub.Created, &sub.Verified, &sub.Expires,
		&sub.Secret, &sub.SignatureAlgorithm, &sub.HTTPRemoteAddr, &sub.HTTPFrom,
		&sub.ContentDelivered, &sub.LatestContentDelivered,
		&sub.DeliveryAttemptsSinceSuccess, &sub.DeliveryNextAttempt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}

// SubscriptionUpsert installs or renews a subscription after a subscribe
// verification succeeds. Keyed on (topic, callback): a renewal keeps the
// existing row's id and delivery cursor, refreshing lease and secret.
func (s *Store) SubscriptionUpsert(sub *model.Subscription) error {
	if sub.SignatureAlgorithm == "" {
		sub.SignatureAlgorithm = "sha512"
	}
	if sub.Created == 0 {
		sub.Created = time.Now().Unix()
	}
	if sub.Verified == 0 {
		sub.Verified = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO subscription (id, topic_id, callback, created, verified, expires,
			secret, signature_algorithm, http_remote_addr, http_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id, callback) DO UPDATE SET
			verified            = excluded.verified,
			expires             = excluded.expires,
			secret              = excluded.secret,
			signature_algorithm = excluded.signature_algorithm,
			http_remote_addr    = excluded.http_remote_addr,
			http_from           = excluded.http_from
	`, sub.ID, sub.TopicID, sub.Callback, sub.Created, sub.Verified, sub.Expires,
		sub.Secret, sub.SignatureAlgorithm, sub.HTTPRemoteAddr, sub.HTTPFrom)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SubscriptionGet loads a subscription by (topic, callback).
func (s *Store) SubscriptionGet(topicID, callback string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionColumns+` FROM subscription WHERE topic_id = ? AND callback = ?`,
		topicID, callback)
	return scanSubscription(row)
}

// SubscriptionGetByID loads a subscription by id.
func (s *Store) SubscriptionGetByID(id string) (*model.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionColumns+` FROM subscription WHERE id = ?`, id)
	return scanSubscription(row)
}

// SubscriptionDelete removes a subscription by (topic, callback). Used when an
// unsubscribe verification succeeds and when a subscriber answers 410 Gone.
// Missing rows are not an error: unsubscribing twice is fine.
func (s *Store) SubscriptionDelete(topicID, callback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM subscription WHERE topic_id = ? AND callback = ?`, topicID, callback)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// SubscriptionCountByTopicID counts unexpired subscriptions for a topic.
func (s *Store) SubscriptionCountByTopicID(topicID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM subscription WHERE topic_id = ? AND expires > ?`,
		topicID, time.Now().Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

// SubscriptionCountByTopicURL counts unexpired subscriptions for a topic
// URL. Backs the public info endpoint.
func (s *Store) SubscriptionCountByTopicURL(topicURL string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM subscription sub
		JOIN topic t ON t.id = sub.topic_id
		WHERE t.url = ? AND sub.expires > ?
	`, topicURL, time.Now().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions by url: %w", err)
	}
	return n, nil
}

// SubscriptionsByTopicID lists unexpired subscriptions for a topic.
func (s *Store) SubscriptionsByTopicID(topicID string) ([]model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionColumns+` FROM subscription WHERE topic_id = ? AND expires > ?`,
		topicID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// SubscriptionDeleteExpired removes subscriptions whose lease ran out more
// than grace ago. Returns the number removed.
func (s *Store) SubscriptionDeleteExpired(grace time.Duration) (int64, error) {
	cutoff := time.Now().Add(-grace).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM subscription WHERE expires <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired subscriptions: %w", err)
	}
	return res.RowsAffected()
}

// --- claim primitives ---

// SubscriptionDeliveryClaim claims up to wanted subscriptions needing a
// content delivery.
func (s *Store) SubscriptionDeliveryClaim(wanted int, claimTimeout time.Duration, claimant string) ([]string, error) {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM subscription_delivery_needed LIMIT ?`, wanted)
		if err != nil {
			return fmt.Errorf("select subscription_delivery_needed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if err := claimDeliveryTx(tx, id, claimant, now, expires); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// SubscriptionDeliveryClaimByID claims one subscription for immediate
// delivery, overwriting any existing claim. The immediate path follows a
// successful content fetch on this process, so a stale claim row only means
// an earlier cycle crashed.
func (s *Store) SubscriptionDeliveryClaimByID(subscriptionID string, claimTimeout time.Duration, claimant string) error {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	return s.withTx(func(tx *sql.Tx) error {
		return claimDeliveryTx(tx, subscriptionID, claimant, now, expires)
	})
}

func claimDeliveryTx(tx *sql.Tx, subscriptionID, claimant string, now, expires int64) error {
	_, err := tx.Exec(`
		INSERT INTO subscription_delivery_in_progress (subscription_id, claimant, claimed, claim_expires)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			claimant      = excluded.claimant,
			claimed       = excluded.claimed,
			claim_expires = excluded.claim_expires
	`, subscriptionID, claimant, now, expires)
	if err != nil {
		return fmt.Errorf("claim delivery %s: %w", subscriptionID, err)
	}
	return nil
}

// SubscriptionDeliveryReleaseClaim drops the in-progress row.
func (s *Store) SubscriptionDeliveryReleaseClaim(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("release delivery claim: %w", err)
	}
	return nil
}

// --- completion operations ---

// SubscriptionDeliveryComplete records a delivered notification: the cursor
// advances to contentUpdated and the retry counter resets.
func (s *Store) SubscriptionDeliveryComplete(subscriptionID string, contentUpdated int64) error {
	now := time.Now().Unix()

	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE subscription
			SET content_delivered = ?,
			    latest_content_delivered = ?,
			    delivery_attempts_since_success = 0,
			    delivery_next_attempt = 0
			WHERE id = ?
		`, now, contentUpdated, subscriptionID)
		if err != nil {
			return fmt.Errorf("delivery complete: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`, subscriptionID); err != nil {
			return fmt.Errorf("delivery complete: release claim: %w", err)
		}
		return nil
	})
}

// SubscriptionDeliveryGone removes a subscription whose callback answered
// 410 Gone. The claim row cascades away with it.
func (s *Store) SubscriptionDeliveryGone(subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM subscription WHERE id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delivery gone: %w", err)
	}
	return nil
}

// SubscriptionDeliveryIncomplete schedules a delivery retry according to the
// backoff schedule and releases the claim.
func (s *Store) SubscriptionDeliveryIncomplete(subscriptionID string, retryDelaysSeconds []int64) error {
	now := time.Now().Unix()

	return s.withTx(func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRow(
			`SELECT delivery_attempts_since_success FROM subscription WHERE id = ?`, subscriptionID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delivery incomplete: read attempts: %w", err)
		}

		next := now + backoff.DelaySeconds(attempts, retryDelaysSeconds)
		res, err := tx.Exec(`
			UPDATE subscription
			SET delivery_attempts_since_success = ?,
			    delivery_next_attempt = ?
			WHERE id = ?
		`, attempts+1, next, subscriptionID)
		if err != nil {
			return fmt.Errorf("delivery incomplete: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM subscription_delivery_in_progress WHERE subscription_id = ?`, subscriptionID); err != nil {
			return fmt.Errorf("delivery incomplete: release claim: %w", err)
		}
		return nil
	})
}
