// Package manager is the seam between the HTTP dispatcher and the queue
// engines: it validates publish/subscribe/unsubscribe requests, applies
// lease policy, and writes the queue rows the workers consume.
package manager

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/config"
	"github.com/strandhub/strand/internal/model"
	"github.com/strandhub/strand/internal/store"
)

// Reason is one machine-readable validation finding. Errors prevent
// queueing; warnings accompany an accepted request.
type Reason struct {
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
	IsError   bool   `json:"is_error"`
}

// Result is the outcome of an acceptance call.
type Result struct {
	Reasons []Reason

	// Queued work, set on acceptance. The dispatcher hands these to
	// AfterResponse once the client has its reply.
	TopicID        string
	VerificationID string
}

// OK reports whether no reason is classed as an error.
func (r Result) OK() bool {
	for _, reason := range r.Reasons {
		if reason.IsError {
			return false
		}
	}
	return true
}

func (r *Result) errorf(parameter, format string, args ...any) {
	r.Reasons = append(r.Reasons, Reason{parameter, fmt.Sprintf(format, args...), true})
}

func (r *Result) warnf(parameter, format string, args ...any) {
	r.Reasons = append(r.Reasons, Reason{parameter, fmt.Sprintf(format, args...), false})
}

// Manager validates and queues hub requests.
type Manager struct {
	store *store.Store
	cfg   *config.Config
	log   *logrus.Entry

	// Immediate-processing hooks, wired to the workers at startup. Nil hooks
	// mean the polling loop picks the work up on its own.
	FetchNow  func(topicID string)
	VerifyNow func(verificationID string)
}

func New(s *store.Store, cfg *config.Config) *Manager {
	return &Manager{
		store: s,
		cfg:   cfg,
		log:   logrus.WithField("component", "manager"),
	}
}

// PublishRequest is a hub.mode=publish form submission.
type PublishRequest struct {
	Topic string // hub.url, or hub.topic as an alias
}

// Publish validates a publish notification and marks the topic for fetch.
func (m *Manager) Publish(req PublishRequest) (Result, error) {
	var res Result

	if !isAbsoluteURL(req.Topic) {
		res.errorf("hub.url", "must be an absolute http or https URL")
		return res, nil
	}

	topic, err := m.store.TopicGetByURL(req.Topic)
	if errors.Is(err, store.ErrNotFound) {
		if !m.cfg.PublicHub {
			res.errorf("hub.url", "unknown topic")
			return res, nil
		}
		topic = &model.Topic{ID: uuid.NewString(), URL: req.Topic}
		if err := m.store.TopicCreate(topic); err != nil {
			return res, err
		}
		m.log.WithFields(logrus.Fields{"topic": topic.ID, "url": topic.URL}).Info("topic created")
	} else if err != nil {
		return res, err
	}
	if topic.IsDeleted {
		res.errorf("hub.url", "topic is being removed")
		return res, nil
	}

	if err := m.store.TopicFetchRequested(topic.ID); err != nil {
		return res, err
	}
	res.TopicID = topic.ID
	return res, nil
}

// SubscriptionRequest is a hub.mode=subscribe or unsubscribe form submission.
type SubscriptionRequest struct {
	Mode               string
	Callback           string
	Topic              string
	LeaseSeconds       int64 // 0 = not supplied
	Secret             string
	SignatureAlgorithm string // empty = default

	RemoteAddr string
	From       string
	RequestID  string
	IsSecure   bool // request arrived over TLS
}

// Subscribe validates a subscribe/unsubscribe request and queues a
// verification.
func (m *Manager) Subscribe(req SubscriptionRequest) (Result, error) {
	var res Result

	if req.Mode != model.ModeSubscribe && req.Mode != model.ModeUnsubscribe {
		res.errorf("hub.mode", "must be subscribe or unsubscribe")
	}
	if !isAbsoluteURL(req.Callback) {
		res.errorf("hub.callback", "must be an absolute http or https URL")
	}
	if !isAbsoluteURL(req.Topic) {
		res.errorf("hub.topic", "must be an absolute http or https URL")
	}
	if len(req.Secret) > model.MaxSecretLength {
		res.errorf("hub.secret", "longer than %d characters", model.MaxSecretLength)
	}
	if req.SignatureAlgorithm != "" && !model.HashAlgorithms[req.SignatureAlgorithm] {
		res.errorf("hub.signature_algorithm", "unsupported algorithm %q", req.SignatureAlgorithm)
	}
	if req.Secret != "" && !secureTransport(req) {
		if m.cfg.StrictSecrets {
			res.errorf("hub.secret", "secrets require https on both the hub request and the callback")
		} else {
			res.warnf("hub.secret", "secret supplied over insecure transport")
		}
	}
	if !res.OK() {
		return res, nil
	}

	topic, err := m.store.TopicGetByURL(req.Topic)
	if errors.Is(err, store.ErrNotFound) {
		if req.Mode == model.ModeUnsubscribe || !m.cfg.PublicHub {
			res.errorf("hub.topic", "unknown topic")
			return res, nil
		}
		topic = &model.Topic{ID: uuid.NewString(), URL: req.Topic}
		if err := m.store.TopicCreate(topic); err != nil {
			return res, err
		}
		// The verification queue only serves active topics, so a first
		// fetch is scheduled alongside.
		if err := m.store.TopicFetchRequested(topic.ID); err != nil {
			return res, err
		}
		res.TopicID = topic.ID
		m.log.WithFields(logrus.Fields{"topic": topic.ID, "url": topic.URL}).Info("topic created")
	} else if err != nil {
		return res, err
	}
	if topic.IsDeleted {
		res.errorf("hub.topic", "topic is being removed")
		return res, nil
	}

	if req.Mode == model.ModeUnsubscribe {
		if _, err := m.store.SubscriptionGet(topic.ID, req.Callback); errors.Is(err, store.ErrNotFound) {
			res.errorf("hub.callback", "no matching subscription")
			return res, nil
		} else if err != nil {
			return res, err
		}
	}

	lease, leaseReason := m.clampLease(topic, req.LeaseSeconds)
	if leaseReason != "" {
		res.warnf("hub.lease_seconds", "%s", leaseReason)
	}

	v := &model.Verification{
		ID:                   uuid.NewString(),
		TopicID:              topic.ID,
		Callback:             req.Callback,
		Mode:                 req.Mode,
		Secret:               req.Secret,
		SignatureAlgorithm:   req.SignatureAlgorithm,
		HTTPRemoteAddr:       req.RemoteAddr,
		HTTPFrom:             req.From,
		LeaseSeconds:         lease,
		IsPublisherValidated: topic.PublisherValidationURL == "",
		RequestID:            req.RequestID,
		NextAttempt:          time.Now().Unix(),
	}
	if err := m.store.VerificationInsert(v); err != nil {
		return res, err
	}
	res.VerificationID = v.ID
	return res, nil
}

// AfterResponse kicks the immediate-processing hooks for queued work. The
// dispatcher calls it once the client response is written, so a slow
// subscriber cannot stall the hub's reply.
func (m *Manager) AfterResponse(res Result) {
	if !m.cfg.ProcessImmediately {
		return
	}
	if res.TopicID != "" && m.FetchNow != nil {
		go m.FetchNow(res.TopicID)
	}
	if res.VerificationID != "" && m.VerifyNow != nil {
		go m.VerifyNow(res.VerificationID)
	}
}

// clampLease resolves the effective lease: the requested value clamped to
// the topic's bounds, with config defaults filling unset values.
func (m *Manager) clampLease(topic *model.Topic, requested int64) (int64, string) {
	preferred := topic.LeaseSecondsPreferred
	if preferred <= 0 {
		preferred = m.cfg.TopicLeaseDefaults.Preferred
	}
	minLease := topic.LeaseSecondsMin
	if minLease <= 0 {
		minLease = m.cfg.TopicLeaseDefaults.Min
	}
	maxLease := topic.LeaseSecondsMax
	if maxLease <= 0 {
		maxLease = m.cfg.TopicLeaseDefaults.Max
	}

	if requested <= 0 {
		return preferred, ""
	}
	if requested < minLease {
		return minLease, fmt.Sprintf("raised to the topic minimum of %d", minLease)
	}
	if requested > maxLease {
		return maxLease, fmt.Sprintf("lowered to the topic maximum of %d", maxLease)
	}
	return requested, ""
}

func secureTransport(req SubscriptionRequest) bool {
	u, err := url.Parse(req.Callback)
	if err != nil {
		return false
	}
	return req.IsSecure && u.Scheme == "https"
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
