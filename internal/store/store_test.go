package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandhub/strand/internal/model"
)

var testBackoff = []int64{60, 120, 360}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hub.db"), 16)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustExec(t *testing.T, s *Store, query string, args ...any) {
	t.Helper()
	if _, err := s.db.Exec(query, args...); err != nil {
		t.Fatalf("exec %s: %v", query, err)
	}
}

func newTestTopic(t *testing.T, s *Store) *model.Topic {
	t.Helper()
	topic := &model.Topic{
		ID:  uuid.NewString(),
		URL: fmt.Sprintf("https://example.com/feed/%s", uuid.NewString()),
	}
	if err := s.TopicCreate(topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	return topic
}

func newTestSubscription(t *testing.T, s *Store, topicID string) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:       uuid.NewString(),
		TopicID:  topicID,
		Callback: fmt.Sprintf("https://subscriber.example.com/cb/%s", uuid.NewString()),
		Expires:  time.Now().Add(time.Hour).Unix(),
	}
	if err := s.SubscriptionUpsert(sub); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	return sub
}

func TestOpenAppliesSchema(t *testing.T) {
	s := newTestStore(t)

	v, ok, err := readSchemaVersion(s.db)
	if err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if !ok {
		t.Fatal("schema version row missing after open")
	}
	if v.String() != "1.0.0" {
		t.Fatalf("schema version = %s, want 1.0.0", v)
	}
}

func TestTopicCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)

	got, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.URL != topic.URL {
		t.Fatalf("url = %q, want %q", got.URL, topic.URL)
	}
	if got.ContentHashAlgorithm != "sha512" {
		t.Fatalf("content hash algorithm = %q, want sha512", got.ContentHashAlgorithm)
	}
	if got.IsActive {
		t.Fatal("new topic must not be active")
	}
	if got.ContentFetchNextAttempt != -1 {
		t.Fatalf("new topic has a scheduled fetch: %d", got.ContentFetchNextAttempt)
	}

	byURL, err := s.TopicGetByURL(topic.URL)
	if err != nil {
		t.Fatalf("get by url: %v", err)
	}
	if byURL.ID != topic.ID {
		t.Fatalf("id = %q, want %q", byURL.ID, topic.ID)
	}

	if _, err := s.TopicGetByID(uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing topic: err = %v, want ErrNotFound", err)
	}
}

func TestTopicCreateRejectsBadAlgorithm(t *testing.T) {
	s := newTestStore(t)
	err := s.TopicCreate(&model.Topic{
		ID: uuid.NewString(), URL: "https://example.com/feed", ContentHashAlgorithm: "md5",
	})
	if err == nil {
		t.Fatal("md5 accepted")
	}
}

func TestTopicFetchClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)

	// Not eligible before a publish.
	ids, err := s.TopicFetchClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("claimed %d topics before publish", len(ids))
	}

	if err := s.TopicFetchRequested(topic.ID); err != nil {
		t.Fatalf("fetch requested: %v", err)
	}

	ids, err = s.TopicFetchClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != topic.ID {
		t.Fatalf("claim = %v, want [%s]", ids, topic.ID)
	}

	// Active claim shields the topic from other claimants.
	ids, err = s.TopicFetchClaim(10, time.Minute, "node-b")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("claimed %d topics while another claim is active", len(ids))
	}

	if err := s.TopicFetchComplete(topic.ID); err != nil {
		t.Fatalf("fetch complete: %v", err)
	}
	got, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentFetchNextAttempt != -1 {
		t.Fatalf("fetch still scheduled after complete: %d", got.ContentFetchNextAttempt)
	}
	if got.ContentFetchAttemptsSinceSuccess != 0 {
		t.Fatalf("attempts = %d after complete", got.ContentFetchAttemptsSinceSuccess)
	}
}

func TestTopicFetchExpiredClaimDissolves(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if err := s.TopicFetchRequested(topic.ID); err != nil {
		t.Fatalf("fetch requested: %v", err)
	}

	if _, err := s.TopicFetchClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Simulate claim timeout.
	mustExec(t, s,
		`UPDATE topic_fetch_in_progress SET claim_expires = ? WHERE topic_id = ?`,
		time.Now().Add(-time.Minute).Unix(), topic.ID)

	ids, err := s.TopicFetchClaim(10, time.Minute, "node-b")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expired claim still blocks: claimed %d", len(ids))
	}
}

func TestTopicFetchClaimByIDIsStrict(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if err := s.TopicFetchRequested(topic.ID); err != nil {
		t.Fatalf("fetch requested: %v", err)
	}

	claimed, err := s.TopicFetchClaimByID(topic.ID, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	if !claimed {
		t.Fatal("first claim refused")
	}

	claimed, err = s.TopicFetchClaimByID(topic.ID, time.Minute, "node-b")
	if err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	if claimed {
		t.Fatal("active claim overwritten")
	}

	mustExec(t, s,
		`UPDATE topic_fetch_in_progress SET claim_expires = ? WHERE topic_id = ?`,
		time.Now().Add(-time.Minute).Unix(), topic.ID)

	claimed, err = s.TopicFetchClaimByID(topic.ID, time.Minute, "node-b")
	if err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	if !claimed {
		t.Fatal("expired claim not overwritten")
	}
}

func TestTopicFetchIncompleteBacksOff(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if err := s.TopicFetchRequested(topic.ID); err != nil {
		t.Fatalf("fetch requested: %v", err)
	}
	if _, err := s.TopicFetchClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	before := time.Now().Unix()
	if err := s.TopicFetchIncomplete(topic.ID, testBackoff); err != nil {
		t.Fatalf("fetch incomplete: %v", err)
	}

	got, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentFetchAttemptsSinceSuccess != 1 {
		t.Fatalf("attempts = %d, want 1", got.ContentFetchAttemptsSinceSuccess)
	}
	want := before + testBackoff[0]
	if got.ContentFetchNextAttempt < want || got.ContentFetchNextAttempt > want+2 {
		t.Fatalf("next attempt = %d, want ~%d", got.ContentFetchNextAttempt, want)
	}

	// Backed off: not immediately claimable again.
	ids, err := s.TopicFetchClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatal("claimable despite backoff")
	}
}

func TestTopicSetContent(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)

	changed, err := s.TopicSetContent(TopicSetContentParams{
		TopicID:     topic.ID,
		Content:     []byte("<feed/>"),
		ContentHash: "hash-1",
		ContentType: "application/atom+xml",
		ETag:        `"v1"`,
	})
	if err != nil {
		t.Fatalf("set content: %v", err)
	}
	if !changed {
		t.Fatal("first content not reported as changed")
	}

	got, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive {
		t.Fatal("topic not active after first content")
	}
	if got.ContentUpdated == 0 {
		t.Fatal("content_updated not set")
	}
	if got.HTTPETag != `"v1"` {
		t.Fatalf("etag = %q", got.HTTPETag)
	}

	// Same hash: no rewrite, no history row.
	changed, err = s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("<feed/>"), ContentHash: "hash-1",
		ContentType: "application/atom+xml",
	})
	if err != nil {
		t.Fatalf("set content: %v", err)
	}
	if changed {
		t.Fatal("unchanged hash reported as changed")
	}

	history, err := s.TopicContentHistory(topic.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].ContentSize != int64(len("<feed/>")) {
		t.Fatalf("history size = %d", history[0].ContentSize)
	}
}

func TestTopicSetContentUnchangedRefreshesValidators(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)

	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("<feed/>"), ContentHash: "hash-1",
		ContentType: "application/atom+xml", ETag: `"v1"`,
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	// Same bytes under rotated validators: the next conditional fetch must use
	// the new ones.
	changed, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("<feed/>"), ContentHash: "hash-1",
		ContentType: "application/atom+xml", ETag: `"v2"`, LastModified: "Tue, 25 Aug 2026 00:00:00 GMT",
	})
	if err != nil {
		t.Fatalf("set content: %v", err)
	}
	if changed {
		t.Fatal("unchanged hash reported as changed")
	}

	got, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HTTPETag != `"v2"` {
		t.Fatalf("etag = %q, want %q", got.HTTPETag, `"v2"`)
	}
	if got.HTTPLastModified != "Tue, 25 Aug 2026 00:00:00 GMT" {
		t.Fatalf("last modified = %q", got.HTTPLastModified)
	}
	if history, _ := s.TopicContentHistory(topic.ID, 10); len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
}

func TestTopicGetContentByIDCaches(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("body"), ContentHash: "h1", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	tc, err := s.TopicGetContentByID(topic.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if string(tc.Content) != "body" || tc.URL != topic.URL {
		t.Fatalf("content = %+v", tc)
	}

	// New content invalidates the cached entry.
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("body2"), ContentHash: "h2", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	tc, err = s.TopicGetContentByID(topic.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if string(tc.Content) != "body2" {
		t.Fatalf("stale cached content %q served after update", tc.Content)
	}
}

func TestTopicPendingDelete(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)

	// Not flagged deleted: no-op.
	if err := s.TopicPendingDelete(topic.ID); err != nil {
		t.Fatalf("pending delete: %v", err)
	}
	if _, err := s.TopicGetByID(topic.ID); err != nil {
		t.Fatalf("undeleted topic removed: %v", err)
	}

	if err := s.TopicMarkDeleted(topic.ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	// Live subscription still holds it.
	if err := s.TopicPendingDelete(topic.ID); err != nil {
		t.Fatalf("pending delete: %v", err)
	}
	if _, err := s.TopicGetByID(topic.ID); err != nil {
		t.Fatalf("topic with live subscription removed: %v", err)
	}

	if err := s.SubscriptionDelete(topic.ID, sub.Callback); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if err := s.TopicPendingDelete(topic.ID); err != nil {
		t.Fatalf("pending delete: %v", err)
	}
	if _, err := s.TopicGetByID(topic.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("topic survives pending delete: err = %v", err)
	}
}

func TestSubscriptionUpsertRenewalKeepsID(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)

	renewal := &model.Subscription{
		ID:       uuid.NewString(), // new id is discarded on renewal
		TopicID:  topic.ID,
		Callback: sub.Callback,
		Expires:  time.Now().Add(2 * time.Hour).Unix(),
		Secret:   "s3cret",
	}
	if err := s.SubscriptionUpsert(renewal); err != nil {
		t.Fatalf("renew: %v", err)
	}

	got, err := s.SubscriptionGet(topic.ID, sub.Callback)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sub.ID {
		t.Fatalf("renewal changed id: %q -> %q", sub.ID, got.ID)
	}
	if got.Secret != "s3cret" {
		t.Fatalf("secret = %q", got.Secret)
	}
	if got.Expires != renewal.Expires {
		t.Fatalf("expires = %d, want %d", got.Expires, renewal.Expires)
	}
}

func TestSubscriptionDeliveryClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)

	// Nothing to deliver until the topic has newer content.
	ids, err := s.SubscriptionDeliveryClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("claimed %d deliveries with no content", len(ids))
	}

	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("new"), ContentHash: "h1", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	ids, err = s.SubscriptionDeliveryClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != sub.ID {
		t.Fatalf("claim = %v, want [%s]", ids, sub.ID)
	}

	topicRow, err := s.TopicGetByID(topic.ID)
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if err := s.SubscriptionDeliveryComplete(sub.ID, topicRow.ContentUpdated); err != nil {
		t.Fatalf("delivery complete: %v", err)
	}

	// Cursor caught up: nothing left to deliver.
	ids, err = s.SubscriptionDeliveryClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("claimed %d deliveries after completion", len(ids))
	}
}

func TestSubscriptionDeliveryClaimByIDOverwrites(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("new"), ContentHash: "h1", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	if _, err := s.SubscriptionDeliveryClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The immediate path takes the claim even while another holder has it:
	// it runs right after this process fetched, so a standing claim is stale.
	if err := s.SubscriptionDeliveryClaimByID(sub.ID, time.Minute, "node-b"); err != nil {
		t.Fatalf("claim by id: %v", err)
	}
	var claimant string
	if err := s.db.QueryRow(
		`SELECT claimant FROM subscription_delivery_in_progress WHERE subscription_id = ?`, sub.ID,
	).Scan(&claimant); err != nil {
		t.Fatalf("read claim: %v", err)
	}
	if claimant != "node-b" {
		t.Fatalf("claimant = %q, want node-b", claimant)
	}

	// Claimed rows stay out of the batch view.
	ids, err := s.SubscriptionDeliveryClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("claimed-by-id subscription re-served: %v", ids)
	}
}

func TestSubscriptionDeliveryIncompleteBacksOff(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("new"), ContentHash: "h1", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	if _, err := s.SubscriptionDeliveryClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.SubscriptionDeliveryIncomplete(sub.ID, testBackoff); err != nil {
		t.Fatalf("delivery incomplete: %v", err)
	}
	got, err := s.SubscriptionGetByID(sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeliveryAttemptsSinceSuccess != 1 {
		t.Fatalf("attempts = %d, want 1", got.DeliveryAttemptsSinceSuccess)
	}
	if got.DeliveryNextAttempt <= time.Now().Unix() {
		t.Fatalf("next attempt %d not in the future", got.DeliveryNextAttempt)
	}

	ids, err := s.SubscriptionDeliveryClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatal("claimable despite backoff")
	}
}

func TestSubscriptionDeliveryGone(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub := newTestSubscription(t, s, topic.ID)

	if err := s.SubscriptionDeliveryGone(sub.ID); err != nil {
		t.Fatalf("delivery gone: %v", err)
	}
	if _, err := s.SubscriptionGetByID(sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("subscription survives 410: err = %v", err)
	}
}

func TestVerificationNewestWinsPerPair(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	// verification_needed serves active topics only.
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("x"), ContentHash: "h", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	callback := "https://subscriber.example.com/cb"
	older := &model.Verification{
		ID: uuid.NewString(), TopicID: topic.ID, Callback: callback,
		Mode: model.ModeSubscribe, LeaseSeconds: 3600,
	}
	newer := &model.Verification{
		ID: uuid.NewString(), TopicID: topic.ID, Callback: callback,
		Mode: model.ModeUnsubscribe,
	}
	if err := s.VerificationInsert(older); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.VerificationInsert(newer); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids, err := s.VerificationClaim(10, time.Minute, "node-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 1 || ids[0] != newer.ID {
		t.Fatalf("claim = %v, want only the newest %s", ids, newer.ID)
	}

	// Completing the newest sweeps superseded siblings too.
	if err := s.VerificationComplete(newer.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	left, err := s.VerificationsByTopicID(topic.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d verifications left after complete", len(left))
	}
}

func TestVerificationPairClaimSerializes(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("x"), ContentHash: "h", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}

	v := &model.Verification{
		ID: uuid.NewString(), TopicID: topic.ID,
		Callback: "https://subscriber.example.com/cb", Mode: model.ModeSubscribe,
	}
	if err := s.VerificationInsert(v); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.VerificationClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A newer verification for the same pair arrives while the claim is held.
	v2 := &model.Verification{
		ID: uuid.NewString(), TopicID: topic.ID, Callback: v.Callback, Mode: model.ModeUnsubscribe,
	}
	if err := s.VerificationInsert(v2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ids, err := s.VerificationClaim(10, time.Minute, "node-b")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("pair claimed twice: %v", ids)
	}
}

func TestVerificationIncompleteBacksOff(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	if _, err := s.TopicSetContent(TopicSetContentParams{
		TopicID: topic.ID, Content: []byte("x"), ContentHash: "h", ContentType: "text/plain",
	}); err != nil {
		t.Fatalf("set content: %v", err)
	}
	v := &model.Verification{
		ID: uuid.NewString(), TopicID: topic.ID,
		Callback: "https://subscriber.example.com/cb", Mode: model.ModeSubscribe,
	}
	if err := s.VerificationInsert(v); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.VerificationClaim(10, time.Minute, "node-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.VerificationIncomplete(v.ID, testBackoff); err != nil {
		t.Fatalf("incomplete: %v", err)
	}
	got, err := s.VerificationGetByID(v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.NextAttempt <= time.Now().Unix() {
		t.Fatalf("next attempt %d not in the future", got.NextAttempt)
	}
}

func TestVerificationInsertDenials(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)
	sub1 := newTestSubscription(t, s, topic.ID)
	sub2 := newTestSubscription(t, s, topic.ID)

	ids, err := s.VerificationInsertDenials(topic.ID, "topic deleted", uuid.NewString)
	if err != nil {
		t.Fatalf("insert denials: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("denials = %d, want 2", len(ids))
	}

	vs, err := s.VerificationsByTopicID(topic.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	callbacks := map[string]bool{}
	for _, v := range vs {
		if v.Mode != model.ModeDenied {
			t.Fatalf("mode = %q, want denied", v.Mode)
		}
		if v.Reason != "topic deleted" {
			t.Fatalf("reason = %q", v.Reason)
		}
		callbacks[v.Callback] = true
	}
	if !callbacks[sub1.Callback] || !callbacks[sub2.Callback] {
		t.Fatalf("denials missing a subscriber: %v", callbacks)
	}
}

func TestTopicContentHistoryPrune(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s)

	for i := 0; i < 5; i++ {
		mustExec(t, s, `
			INSERT INTO topic_content_history (topic_id, content_updated, content_size, content_hash)
			VALUES (?, ?, ?, ?)`,
			topic.ID, int64(1000+i), 10, fmt.Sprintf("h%d", i))
	}

	if err := s.TopicContentHistoryPrune(2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	history, err := s.TopicContentHistory(topic.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history rows = %d, want 2", len(history))
	}
	if history[0].ContentHash != "h4" || history[1].ContentHash != "h3" {
		t.Fatalf("kept wrong rows: %s, %s", history[0].ContentHash, history[1].ContentHash)
	}
}
