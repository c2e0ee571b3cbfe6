// Package engine implements the queue consumers: verification challenges,
// topic content fetches, and content deliveries. Each engine processes one
// claimed row at a time and reports the outcome back through the store; it
// never propagates errors into worker control flow.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/httpclient"
	"github.com/strandhub/strand/internal/model"
	"github.com/strandhub/strand/internal/store"
)

// VerificationEngine resolves subscribe/unsubscribe/denied intents with the
// challenge-response GET of the WebSub recommendation.
type VerificationEngine struct {
	store       *store.Store
	client      *httpclient.Client
	retryDelays []int64
	log         *logrus.Entry

	// newChallenge is swappable for tests.
	newChallenge func() string
}

func NewVerificationEngine(s *store.Store, client *httpclient.Client, retryDelays []int64) *VerificationEngine {
	return &VerificationEngine{
		store:        s,
		client:       client,
		retryDelays:  retryDelays,
		log:          logrus.WithField("component", "verification-engine"),
		newChallenge: newChallenge,
	}
}

// newChallenge generates a random opaque token, 16 bytes hex-encoded.
func newChallenge() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Process handles one claimed verification. The claim is always resolved:
// completed, rescheduled, or released.
func (e *VerificationEngine) Process(ctx context.Context, verificationID string) error {
	v, err := e.store.VerificationGetByID(verificationID)
	if errors.Is(err, store.ErrNotFound) {
		// Superseded and swept while we held the claim.
		return e.store.VerificationReleaseClaim(verificationID)
	}
	if err != nil {
		return err
	}
	log := e.log.WithFields(logrus.Fields{
		"verification": v.ID, "topic": v.TopicID, "callback": v.Callback, "mode": v.Mode,
	})

	topic, err := e.store.TopicGetByID(v.TopicID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.VerificationReleaseClaim(verificationID)
	}
	if err != nil {
		return err
	}
	if topic.IsDeleted && v.Mode != model.ModeDenied {
		// The intent can never be confirmed against a retired topic. A bare
		// release would leave next_attempt in the past and respin instantly.
		log.Debug("topic deleted, discarding verification")
		return e.store.VerificationComplete(v.ID)
	}

	if topic.PublisherValidationURL != "" && !v.IsPublisherValidated {
		return e.validatePublisher(ctx, topic, v, log)
	}

	challenge := e.newChallenge()
	status, body, err := e.client.Challenge(ctx, challengeURL(topic.URL, v, challenge), v.HTTPFrom)
	if err != nil {
		log.WithError(err).Info("challenge transport failure, backing off")
		return e.store.VerificationIncomplete(v.ID, e.retryDelays)
	}

	switch {
	case status >= 200 && status <= 299 && string(body) == challenge:
		return e.confirmed(topic, v, log)
	case status >= 500:
		log.WithField("status", status).Info("challenge refused temporarily, backing off")
		return e.store.VerificationIncomplete(v.ID, e.retryDelays)
	default:
		// 4xx, or a 2xx with the wrong echo: the subscriber declined.
		reason := "challenge mismatch"
		if status < 200 || status > 299 {
			reason = fmt.Sprintf("challenge refused with status %d", status)
		}
		return e.declined(v, reason, log)
	}
}

// validatePublisher asks the publisher-nominated URL to approve the
// subscriber before any challenge is sent. Approval re-arms the verification
// for an immediate next cycle.
func (e *VerificationEngine) validatePublisher(ctx context.Context, topic *model.Topic, v *model.Verification, log *logrus.Entry) error {
	payload := url.Values{
		"hub.mode":     {v.Mode},
		"hub.topic":    {topic.URL},
		"hub.callback": {v.Callback},
	}
	if v.Mode == model.ModeSubscribe {
		payload.Set("hub.lease_seconds", strconv.FormatInt(v.LeaseSeconds, 10))
	}

	status, err := e.client.Post(ctx, topic.PublisherValidationURL,
		"application/x-www-form-urlencoded", []byte(payload.Encode()), nil)
	if err != nil || status < 200 || status > 299 {
		log.WithError(err).WithField("status", status).Info("publisher validation failed, backing off")
		return e.store.VerificationIncomplete(v.ID, e.retryDelays)
	}

	log.Debug("publisher validated")
	return e.store.VerificationValidated(v.ID)
}

func (e *VerificationEngine) confirmed(topic *model.Topic, v *model.Verification, log *logrus.Entry) error {
	switch v.Mode {
	case model.ModeSubscribe:
		now := time.Now().Unix()
		err := e.store.SubscriptionUpsert(&model.Subscription{
			ID:                 uuid.NewString(),
			TopicID:            topic.ID,
			Callback:           v.Callback,
			Verified:           now,
			Expires:            now + v.LeaseSeconds,
			Secret:             v.Secret,
			SignatureAlgorithm: v.SignatureAlgorithm,
			HTTPRemoteAddr:     v.HTTPRemoteAddr,
			HTTPFrom:           v.HTTPFrom,
		})
		if err != nil {
			return err
		}
		log.Info("subscription confirmed")
	case model.ModeUnsubscribe, model.ModeDenied:
		if err := e.store.SubscriptionDelete(topic.ID, v.Callback); err != nil {
			return err
		}
		log.Info("subscription removed")
	}
	return e.store.VerificationComplete(v.ID)
}

func (e *VerificationEngine) declined(v *model.Verification, reason string, log *logrus.Entry) error {
	log.WithField("reason", reason).Info("verification declined")
	if err := e.store.VerificationUpdate(v.ID, model.ModeDenied, reason); err != nil {
		return err
	}
	return e.store.VerificationComplete(v.ID)
}

// challengeURL appends the hub.* query parameters to the subscriber callback,
// which may itself already carry a query string.
func challengeURL(topicURL string, v *model.Verification, challenge string) string {
	q := url.Values{
		"hub.mode":      {v.Mode},
		"hub.topic":     {topicURL},
		"hub.challenge": {challenge},
	}
	if v.Mode == model.ModeSubscribe {
		q.Set("hub.lease_seconds", strconv.FormatInt(v.LeaseSeconds, 10))
	}
	sep := "?"
	if u, err := url.Parse(v.Callback); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return v.Callback + sep + q.Encode()
}
