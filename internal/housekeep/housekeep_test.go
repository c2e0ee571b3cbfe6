package housekeep

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/strandhub/strand/internal/model"
	"github.com/strandhub/strand/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "hub.db"), 16)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOnceSweeps(t *testing.T) {
	s := newTestStore(t)

	topic := &model.Topic{ID: uuid.NewString(), URL: "https://p.example/feed"}
	if err := s.TopicCreate(topic); err != nil {
		t.Fatalf("seed topic: %v", err)
	}

	// Long-expired subscription goes; a freshly expired one stays.
	stale := &model.Subscription{
		ID: uuid.NewString(), TopicID: topic.ID, Callback: "https://s.example/stale",
		Expires: time.Now().Add(-48 * time.Hour).Unix(),
	}
	recent := &model.Subscription{
		ID: uuid.NewString(), TopicID: topic.ID, Callback: "https://s.example/recent",
		Expires: time.Now().Add(-time.Hour).Unix(),
	}
	for _, sub := range []*model.Subscription{stale, recent} {
		if err := s.SubscriptionUpsert(sub); err != nil {
			t.Fatalf("seed subscription: %v", err)
		}
	}

	h, err := New(s, "@hourly", 100)
	if err != nil {
		t.Fatalf("new housekeeper: %v", err)
	}
	h.RunOnce()

	if _, err := s.SubscriptionGetByID(stale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale subscription survives: %v", err)
	}
	if _, err := s.SubscriptionGetByID(recent.ID); err != nil {
		t.Fatalf("recently expired subscription removed: %v", err)
	}
}

func TestRunOnceFinishesDeferredDeletion(t *testing.T) {
	s := newTestStore(t)

	topic := &model.Topic{ID: uuid.NewString(), URL: "https://p.example/feed"}
	if err := s.TopicCreate(topic); err != nil {
		t.Fatalf("seed topic: %v", err)
	}
	if err := s.TopicMarkDeleted(topic.ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	h, err := New(s, "@hourly", 100)
	if err != nil {
		t.Fatalf("new housekeeper: %v", err)
	}
	h.RunOnce()

	if _, err := s.TopicGetByID(topic.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted topic survives sweep: %v", err)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	s := newTestStore(t)
	if _, err := New(s, "not a schedule", 100); err == nil {
		t.Fatal("bad schedule accepted")
	}
}
