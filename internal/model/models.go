// Package model defines domain structs shared across the persistence layer.
package model

// HashAlgorithms is the set of digests accepted for content hashes and
// delivery signatures.
var HashAlgorithms = map[string]bool{
	"sha1":   true,
	"sha256": true,
	"sha384": true,
	"sha512": true,
}

// Verification modes.
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
	ModeDenied      = "denied"
	ModePublish     = "publish"
)

// MaxSecretLength is the longest hub.secret a subscriber may register.
const MaxSecretLength = 199

// Topic is a feed URL the hub distributes on behalf of a publisher.
type Topic struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Created int64  `json:"created"`

	LeaseSecondsPreferred int64 `json:"lease_seconds_preferred"` // 0 = config default
	LeaseSecondsMin       int64 `json:"lease_seconds_min"`
	LeaseSecondsMax       int64 `json:"lease_seconds_max"`

	PublisherValidationURL string `json:"publisher_validation_url"`
	ContentHashAlgorithm   string `json:"content_hash_algorithm"`

	IsActive  bool `json:"is_active"`
	IsDeleted bool `json:"is_deleted"`

	LastPublish                     int64 `json:"last_publish"`
	ContentFetchNextAttempt         int64 `json:"content_fetch_next_attempt"`
	ContentFetchAttemptsSinceSuccess int  `json:"content_fetch_attempts_since_success"`

	ContentUpdated   int64  `json:"content_updated"`
	Content          []byte `json:"-"`
	ContentHash      string `json:"content_hash"`
	ContentType      string `json:"content_type"`
	HTTPETag         string `json:"http_etag"`
	HTTPLastModified string `json:"http_last_modified"`
}

// TopicContentHistory is one append-only row per successful content change.
type TopicContentHistory struct {
	TopicID        string `json:"topic_id"`
	ContentUpdated int64  `json:"content_updated"`
	ContentSize    int64  `json:"content_size"`
	ContentHash    string `json:"content_hash"`
}

// Subscription is an active subscriber callback for a topic.
type Subscription struct {
	ID       string `json:"id"`
	TopicID  string `json:"topic_id"`
	Callback string `json:"callback"`

	Created  int64 `json:"created"`
	Verified int64 `json:"verified"`
	Expires  int64 `json:"expires"`

	Secret             string `json:"-"`
	SignatureAlgorithm string `json:"signature_algorithm"`

	HTTPRemoteAddr string `json:"http_remote_addr"`
	HTTPFrom       string `json:"http_from"`

	ContentDelivered             int64 `json:"content_delivered"`
	LatestContentDelivered       int64 `json:"latest_content_delivered"`
	DeliveryAttemptsSinceSuccess int   `json:"delivery_attempts_since_success"`
	DeliveryNextAttempt          int64 `json:"delivery_next_attempt"`
}

// Verification is a pending subscribe/unsubscribe/denied challenge.
type Verification struct {
	ID       string `json:"id"`
	TopicID  string `json:"topic_id"`
	Callback string `json:"callback"`
	Created  int64  `json:"created"`

	Mode string `json:"mode"`

	Secret             string `json:"-"`
	SignatureAlgorithm string `json:"signature_algorithm"`
	HTTPRemoteAddr     string `json:"http_remote_addr"`
	HTTPFrom           string `json:"http_from"`

	LeaseSeconds         int64  `json:"lease_seconds"`
	IsPublisherValidated bool   `json:"is_publisher_validated"`
	Reason               string `json:"reason"`
	RequestID            string `json:"request_id"`

	Attempts    int   `json:"attempts"`
	NextAttempt int64 `json:"next_attempt"`
}

// Claim records ownership of an in-progress queue entry.
type Claim struct {
	ID           string `json:"id"` // topic id, subscription id, or verification id
	Claimant     string `json:"claimant"`
	Claimed      int64  `json:"claimed"`
	ClaimExpires int64  `json:"claim_expires"`
}

// Authentication is an admin login row. Engines never touch it.
type Authentication struct {
	Identifier         string `json:"identifier"`
	Credential         string `json:"-"`
	OTPKey             string `json:"-"`
	Created            int64  `json:"created"`
	LastAuthentication int64  `json:"last_authentication"`
}
