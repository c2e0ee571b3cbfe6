package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/httpclient"
	"github.com/strandhub/strand/internal/signer"
	"github.com/strandhub/strand/internal/store"
)

// DeliveryEngine POSTs new topic content to subscriber callbacks, signing
// the body when the subscription registered a secret.
type DeliveryEngine struct {
	store       *store.Store
	client      *httpclient.Client
	retryDelays []int64
	log         *logrus.Entry

	selfBaseURL string
}

func NewDeliveryEngine(s *store.Store, client *httpclient.Client, retryDelays []int64, selfBaseURL string) *DeliveryEngine {
	return &DeliveryEngine{
		store:       s,
		client:      client,
		retryDelays: retryDelays,
		log:         logrus.WithField("component", "delivery-engine"),
		selfBaseURL: selfBaseURL,
	}
}

// Process handles one claimed subscription delivery.
func (e *DeliveryEngine) Process(ctx context.Context, subscriptionID string) error {
	sub, err := e.store.SubscriptionGetByID(subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.SubscriptionDeliveryReleaseClaim(subscriptionID)
	}
	if err != nil {
		return err
	}
	log := e.log.WithFields(logrus.Fields{
		"subscription": sub.ID, "topic": sub.TopicID, "callback": sub.Callback,
	})

	content, err := e.store.TopicGetContentByID(sub.TopicID)
	if errors.Is(err, store.ErrNotFound) {
		return e.store.SubscriptionDeliveryReleaseClaim(subscriptionID)
	}
	if err != nil {
		return err
	}

	headers := map[string]string{
		"Link": fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, e.selfBaseURL, content.URL),
	}
	if sub.Secret != "" {
		sig, err := signer.SignatureHeader(sub.SignatureAlgorithm, sub.Secret, content.Content)
		if err != nil {
			log.WithError(err).Error("signature failure")
			return e.store.SubscriptionDeliveryIncomplete(sub.ID, e.retryDelays)
		}
		headers["X-Hub-Signature"] = sig
	}

	status, err := e.client.Post(ctx, sub.Callback, content.ContentType, content.Content, headers)
	if err != nil {
		log.WithError(err).Info("delivery failed, backing off")
		return e.store.SubscriptionDeliveryIncomplete(sub.ID, e.retryDelays)
	}

	switch {
	case status >= 200 && status <= 299:
		log.WithField("status", status).Debug("delivered")
		return e.store.SubscriptionDeliveryComplete(sub.ID, content.ContentUpdated)
	case status == http.StatusGone:
		log.Info("subscriber gone, unsubscribing")
		return e.store.SubscriptionDeliveryGone(sub.ID)
	default:
		log.WithField("status", status).Info("delivery refused, backing off")
		return e.store.SubscriptionDeliveryIncomplete(sub.ID, e.retryDelays)
	}
}
