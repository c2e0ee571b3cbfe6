package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/feed"
	"github.com/strandhub/strand/internal/httpclient"
	"github.com/strandhub/strand/internal/model"
	"github.com/strandhub/strand/internal/signer"
	"github.com/strandhub/strand/internal/store"
)

// FetchEngine pulls topic content from publishers with conditional requests
// and records changes, making subscribers delivery-eligible.
type FetchEngine struct {
	store       *store.Store
	client      *httpclient.Client
	retryDelays []int64
	log         *logrus.Entry

	selfBaseURL        string
	strictTopicHubLink bool

	// OnContentChanged, when set, is invoked after a content change so the
	// delivery worker can wake without waiting for its next poll.
	OnContentChanged func(topicID string)
}

func NewFetchEngine(s *store.Store, client *httpclient.Client, retryDelays []int64, selfBaseURL string, strictTopicHubLink bool) *FetchEngine {
	return &FetchEngine{
		store:              s,
		client:             client,
		retryDelays:        retryDelays,
		log:                logrus.WithField("component", "fetch-engine"),
		selfBaseURL:        selfBaseURL,
		strictTopicHubLink: strictTopicHubLink,
	}
}

// Process handles one claimed topic fetch.
func (e *FetchEngine) Process(ctx context.Context, topicID string) error {
	topic, err := e.store.TopicGetByID(topicID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.TopicFetchReleaseClaim(topicID)
	}
	if err != nil {
		return err
	}
	log := e.log.WithFields(logrus.Fields{"topic": topic.ID, "url": topic.URL})

	if topic.IsDeleted {
		return e.retireTopic(topic, log)
	}

	result, err := e.client.Fetch(ctx, topic.URL, topic.HTTPETag, topic.HTTPLastModified)
	if err != nil {
		log.WithError(err).Info("fetch failed, backing off")
		return e.store.TopicFetchIncomplete(topic.ID, e.retryDelays)
	}

	if result.NotModified {
		log.Debug("content not modified")
		return e.store.TopicFetchComplete(topic.ID)
	}

	if e.strictTopicHubLink && !e.referencesThisHub(result) {
		log.Info("topic no longer references this hub, retiring")
		if err := e.store.TopicMarkDeleted(topic.ID); err != nil {
			return err
		}
		topic.IsDeleted = true
		return e.retireTopic(topic, log)
	}

	hash, err := signer.Digest(topic.ContentHashAlgorithm, result.Body)
	if err != nil {
		// Constraint-checked at insert; reaching here is a bug.
		log.WithError(err).Error("content hash failure")
		return e.store.TopicFetchIncomplete(topic.ID, e.retryDelays)
	}

	changed, err := e.store.TopicSetContent(store.TopicSetContentParams{
		TopicID:      topic.ID,
		Content:      result.Body,
		ContentHash:  hash,
		ContentType:  result.ContentType,
		ETag:         result.ETag,
		LastModified: result.LastModified,
	})
	if err != nil {
		return err
	}
	if err := e.store.TopicFetchComplete(topic.ID); err != nil {
		return err
	}

	if changed {
		log.WithField("bytes", len(result.Body)).Info("topic content updated")
		if e.OnContentChanged != nil {
			e.OnContentChanged(topic.ID)
		}
	} else {
		log.Debug("content hash unchanged")
	}
	return nil
}

// referencesThisHub checks HTTP Link headers first, then the document body.
// Finding the hub relation in either place is sufficient.
func (e *FetchEngine) referencesThisHub(result *httpclient.FetchResult) bool {
	for _, l := range result.Links {
		if l.Rel == "hub" && sameURL(l.URL, e.selfBaseURL) {
			return true
		}
	}
	return feed.Extract(result.Body, result.ContentType).HasHub(e.selfBaseURL)
}

func sameURL(a, b string) bool {
	trim := func(s string) string {
		for len(s) > 0 && s[len(s)-1] == '/' {
			s = s[:len(s)-1]
		}
		return s
	}
	return trim(a) == trim(b)
}

// retireTopic drives a deleted topic toward removal: every live subscriber
// gets a denied verification, and once none remain the row itself goes.
func (e *FetchEngine) retireTopic(topic *model.Topic, log *logrus.Entry) error {
	ids, err := e.store.VerificationInsertDenials(topic.ID, "topic deleted", uuid.NewString)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		log.WithField("denials", len(ids)).Info("queued denial notifications")
	}
	if err := e.store.TopicPendingDelete(topic.ID); err != nil {
		return err
	}
	return e.store.TopicFetchReleaseClaim(topic.ID)
}
