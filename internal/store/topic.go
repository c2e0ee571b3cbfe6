package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strandhub/strand/internal/backoff"
	"github.com/strandhub/strand/internal/model"
)

const topicColumns = `id, url, created,
	lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
	publisher_validation_url, content_hash_algorithm,
	is_active, is_deleted,
	last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
	content_updated, content, content_hash, content_type, http_etag, http_last_modified`

func scanTopic(row interface{ Scan(...any) error }) (*model.Topic, error) {
	var (
		t                             model.Topic
		leasePref, leaseMin, leaseMax sql.NullInt64
		nextAttempt                   sql.NullInt64
		content                       []byte
	)
	err := row.Scan(
		&t.ID, &t.URL, &t.Created,
		&leasePref, &leaseMin, &leaseMax,
		&t.PublisherValidationURL, &t.ContentHashAlgorithm,
		&t.IsActive, &t.IsDeleted,
		&t.LastPublish, &nextAttempt, &t.ContentFetchAttemptsSinceSuccess,
		&t.ContentUpdated, &content, &t.ContentHash, &t.ContentType,
		&t.HTTPETag, &t.HTTPLastModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan topic: %w", err)
	}
	t.LeaseSecondsPreferred = leasePref.Int64
	t.LeaseSecondsMin = leaseMin.Int64
	t.LeaseSecondsMax = leaseMax.Int64
	if nextAttempt.Valid {
		t.ContentFetchNextAttempt = nextAttempt.Int64
	} else {
		t.ContentFetchNextAttempt = -1 // no fetch scheduled
	}
	t.Content = content
	return &t, nil
}

func nullablePositive(v int64) any {
	if v > 0 {
		return v
	}
	return nil
}

// TopicCreate inserts a new topic. Zero lease values are stored as NULL and
// fall back to configured defaults at read time.
func (s *Store) TopicCreate(t *model.Topic) error {
	if t.ContentHashAlgorithm == "" {
		t.ContentHashAlgorithm = "sha512"
	}
	if !model.HashAlgorithms[t.ContentHashAlgorithm] {
		return fmt.Errorf("topic create: unsupported content hash algorithm %q", t.ContentHashAlgorithm)
	}
	if t.Created == 0 {
		t.Created = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO topic (id, url, created,
			lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm,
			content_fetch_next_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, t.ID, t.URL, t.Created,
		nullablePositive(t.LeaseSecondsPreferred),
		nullablePositive(t.LeaseSecondsMin),
		nullablePositive(t.LeaseSecondsMax),
		t.PublisherValidationURL, t.ContentHashAlgorithm)
	if err != nil {
		return fmt.Errorf("insert topic: %w", err)
	}
	return nil
}

// TopicGetByID loads a topic, content included.
func (s *Store) TopicGetByID(id string) (*model.Topic, error) {
	row := s.db.QueryRow(`SELECT `+topicColumns+` FROM topic WHERE id = ?`, id)
	return scanTopic(row)
}

// TopicGetByURL loads a topic by its unique URL.
func (s *Store) TopicGetByURL(url string) (*model.Topic, error) {
	row := s.db.QueryRow(`SELECT `+topicColumns+` FROM topic WHERE url = ?`, url)
	return scanTopic(row)
}

// TopicFetchRequested records a publish notification: the topic becomes
// immediately eligible for a content fetch.
func (s *Store) TopicFetchRequested(topicID string) error {
	now := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE topic
		SET last_publish = ?, content_fetch_next_attempt = ?
		WHERE id = ?
	`, now, now, topicID)
	if err != nil {
		return fmt.Errorf("topic fetch requested: %w", err)
	}
	return expectRows(res, 1)
}

// TopicMarkDeleted flags a topic for pending removal. The row lingers until
// every subscriber has received a denied notification.
func (s *Store) TopicMarkDeleted(topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE topic SET is_deleted = 1 WHERE id = ?`, topicID)
	if err != nil {
		return fmt.Errorf("topic mark deleted: %w", err)
	}
	if err := expectRows(res, 1); err != nil {
		return err
	}
	s.cache.invalidate(topicID)
	return nil
}

// TopicPendingDelete removes a topic iff it is flagged deleted and has no
// live subscriptions. Idempotent: a no-op otherwise.
func (s *Store) TopicPendingDelete(topicID string) error {
	now := time.Now().Unix()

	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM topic
			WHERE id = ?
			  AND is_deleted = 1
			  AND NOT EXISTS (
				SELECT 1 FROM subscription
				WHERE topic_id = topic.id AND expires > ?)
		`, topicID, now)
		if err != nil {
			return fmt.Errorf("topic pending delete: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(topicID)
	return nil
}

// TopicList returns all topics, content blobs excluded, newest first.
func (s *Store) TopicList() ([]model.Topic, error) {
	rows, err := s.db.Query(`
		SELECT id, url, created,
			lease_seconds_preferred, lease_seconds_min, lease_seconds_max,
			publisher_validation_url, content_hash_algorithm,
			is_active, is_deleted,
			last_publish, content_fetch_next_attempt, content_fetch_attempts_since_success,
			content_updated, NULL, content_hash, content_type, http_etag, http_last_modified
		FROM topic ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var out []model.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TopicDeletedIDs lists ids of topics flagged for removal; the housekeeper
// retries TopicPendingDelete on them.
func (s *Store) TopicDeletedIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM topic WHERE is_deleted = 1`)
	if err != nil {
		return nil, fmt.Errorf("list deleted topics: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- claim primitives ---

// TopicFetchClaim claims up to wanted topics needing a content fetch.
func (s *Store) TopicFetchClaim(wanted int, claimTimeout time.Duration, claimant string) ([]string, error) {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	var ids []string
	err := s.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM topic_fetch_needed LIMIT ?`, wanted)
		if err != nil {
			return fmt.Errorf("select topic_fetch_needed: %w", err)
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
			_, err := tx.Exec(`
				INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(topic_id) DO UPDATE SET
					claimant      = excluded.claimant,
					claimed       = excluded.claimed,
					claim_expires = excluded.claim_expires
				WHERE topic_fetch_in_progress.claim_expires < ?
			`, id, claimant, now, expires, now)
			if err != nil {
				return fmt.Errorf("claim topic fetch %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// TopicFetchClaimByID claims one topic for immediate processing. The claim is
// granted only when no unexpired claim exists (strict overwrite condition).
func (s *Store) TopicFetchClaimByID(topicID string, claimTimeout time.Duration, claimant string) (bool, error) {
	now := time.Now().Unix()
	expires := now + int64(claimTimeout.Seconds())

	claimed := false
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO topic_fetch_in_progress (topic_id, claimant, claimed, claim_expires)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(topic_id) DO UPDATE SET
				claimant      = excluded.claimant,
				claimed       = excluded.claimed,
				claim_expires = excluded.claim_expires
			WHERE topic_fetch_in_progress.claim_expires < ?
		`, topicID, claimant, now, expires, now)
		if err != nil {
			return fmt.Errorf("claim topic fetch by id: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// TopicFetchReleaseClaim drops the in-progress row. Always safe.
func (s *Store) TopicFetchReleaseClaim(topicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`, topicID)
	if err != nil {
		return fmt.Errorf("release topic fetch claim: %w", err)
	}
	return nil
}

// --- completion operations ---

// TopicFetchComplete records a successful fetch cycle: the retry counter
// resets and no further fetch is scheduled until the next publish.
func (s *Store) TopicFetchComplete(topicID string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE topic
			SET content_fetch_attempts_since_success = 0,
			    content_fetch_next_attempt = NULL
			WHERE id = ?
		`, topicID)
		if err != nil {
			return fmt.Errorf("topic fetch complete: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("topic fetch complete: release claim: %w", err)
		}
		return nil
	})
}

// TopicFetchIncomplete schedules a retry according to the backoff schedule
// and releases the claim.
func (s *Store) TopicFetchIncomplete(topicID string, retryDelaysSeconds []int64) error {
	now := time.Now().Unix()

	return s.withTx(func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRow(
			`SELECT content_fetch_attempts_since_success FROM topic WHERE id = ?`, topicID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("topic fetch incomplete: read attempts: %w", err)
		}

		next := now + backoff.DelaySeconds(attempts, retryDelaysSeconds)
		res, err := tx.Exec(`
			UPDATE topic
			SET content_fetch_attempts_since_success = ?,
			    content_fetch_next_attempt = ?
			WHERE id = ?
		`, attempts+1, next, topicID)
		if err != nil {
			return fmt.Errorf("topic fetch incomplete: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM topic_fetch_in_progress WHERE topic_id = ?`, topicID); err != nil {
			return fmt.Errorf("topic fetch incomplete: release claim: %w", err)
		}
		return nil
	})
}

// TopicSetContentParams carries a fetched content snapshot into the store.
type TopicSetContentParams struct {
	TopicID      string
	Content      []byte
	ContentHash  string
	ContentType  string
	ETag         string
	LastModified string
}

// TopicSetContent stores new topic content, marks the topic active, and
// appends a history row. When the hash is unchanged only the HTTP validators
// are refreshed and no history is appended; the caller sees ordinary success.
// Returns whether the content actually changed.
func (s *Store) TopicSetContent(p TopicSetContentParams) (bool, error) {
	now := time.Now().Unix()

	changed := false
	err := s.withTx(func(tx *sql.Tx) error {
		var oldHash string
		err := tx.QueryRow(`SELECT content_hash FROM topic WHERE id = ?`, p.TopicID).Scan(&oldHash)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("topic set content: read hash: %w", err)
		}

		if oldHash == p.ContentHash {
			// Byte-identical refetch: still a success, and the topic may have
			// just become active. Content and history stay untouched, but the
			// validators follow the publisher so conditional fetching keeps
			// working when they rotate over identical bytes.
			res, err := tx.Exec(`
				UPDATE topic
				SET is_active = 1,
				    http_etag = ?,
				    http_last_modified = ?
				WHERE id = ?
			`, p.ETag, p.LastModified, p.TopicID)
			if err != nil {
				return fmt.Errorf("topic set content: activate: %w", err)
			}
			return expectRows(res, 1)
		}

		changed = true
		res, err := tx.Exec(`
			UPDATE topic
			SET is_active = 1,
			    content_updated = ?,
			    content = ?,
			    content_hash = ?,
			    content_type = ?,
			    http_etag = ?,
			    http_last_modified = ?
			WHERE id = ?
		`, now, p.Content, p.ContentHash, p.ContentType, p.ETag, p.LastModified, p.TopicID)
		if err != nil {
			return fmt.Errorf("topic set content: %w", err)
		}
		if err := expectRows(res, 1); err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO topic_content_history (topic_id, content_updated, content_size, content_hash)
			VALUES (?, ?, ?, ?)
		`, p.TopicID, now, len(p.Content), p.ContentHash)
		if err != nil {
			return fmt.Errorf("topic set content: history: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.cache.invalidate(p.TopicID)
	}
	return changed, nil
}

// TopicGetContentByID returns the delivery view of a topic's content,
// serving from the per-process cache when possible.
func (s *Store) TopicGetContentByID(topicID string) (TopicContent, error) {
	if tc, ok := s.cache.get(topicID); ok {
		return tc, nil
	}

	tc := TopicContent{TopicID: topicID}
	err := s.db.QueryRow(`
		SELECT url, content, content_type, content_hash, content_updated
		FROM topic WHERE id = ?
	`, topicID).Scan(&tc.URL, &tc.Content, &tc.ContentType, &tc.ContentHash, &tc.ContentUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return TopicContent{}, ErrNotFound
	}
	if err != nil {
		return TopicContent{}, fmt.Errorf("topic content: %w", err)
	}

	s.cache.set(tc)
	return tc, nil
}

// TopicContentHistory lists the most recent content changes for a topic,
// newest first. Feeds the publish-frequency chart.
func (s *Store) TopicContentHistory(topicID string, limit int) ([]model.TopicContentHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT topic_id, content_updated, content_size, content_hash
		FROM topic_content_history
		WHERE topic_id = ?
		ORDER BY content_updated DESC
		LIMIT ?
	`, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("topic content history: %w", err)
	}
	defer rows.Close()

	var out []model.TopicContentHistory
	for rows.Next() {
		var h model.TopicContentHistory
		if err := rows.Scan(&h.TopicID, &h.ContentUpdated, &h.ContentSize, &h.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// TopicContentHistoryPrune keeps at most retain history rows per topic.
func (s *Store) TopicContentHistoryPrune(retain int) error {
	if retain <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		DELETE FROM topic_content_history
		WHERE rowid IN (
			SELECT rowid FROM (
				SELECT rowid,
				       ROW_NUMBER() OVER (PARTITION BY topic_id ORDER BY content_updated DESC) AS rn
				FROM topic_content_history)
			WHERE rn > ?)
	`, retain)
	if err != nil {
		return fmt.Errorf("prune content history: %w", err)
	}
	return nil
}
