package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/store"
)

// HandleHealthcheck answers 200 while the database responds.
func HandleHealthcheck(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Ping(r.Context()); err != nil {
			logrus.WithError(err).Error("healthcheck failed")
			WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unavailable")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "OK\n")
	})
}

type infoResponse struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
}

// HandleInfo reports the subscriber count for a topic URL as json, text, or
// an svg badge.
func HandleInfo(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topic := r.URL.Query().Get("topic")
		if topic == "" {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "topic query parameter required")
			return
		}

		count, err := s.SubscriptionCountByTopicURL(topic)
		if err != nil {
			logrus.WithError(err).Error("subscriber count failed")
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}

		switch r.URL.Query().Get("format") {
		case "", "json":
			WriteJSON(w, http.StatusOK, infoResponse{Topic: topic, Subscribers: count})
		case "text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintf(w, "%d\n", count)
		case "svg":
			w.Header().Set("Content-Type", "image/svg+xml")
			io.WriteString(w, subscriberBadge(count))
		default:
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "format must be svg, json, or text")
		}
	})
}

// subscriberBadge renders a small shields-style count badge.
func subscriberBadge(count int) string {
	label := "subscribers"
	value := fmt.Sprintf("%d", count)
	labelWidth := 10 + 7*len(label)
	valueWidth := 10 + 8*len(value)
	total := labelWidth + valueWidth
	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="20" role="img" aria-label="%s: %s">
<rect width="%d" height="20" fill="#555"/>
<rect x="%d" width="%d" height="20" fill="#4c1"/>
<g fill="#fff" text-anchor="middle" font-family="Verdana,Geneva,sans-serif" font-size="11">
<text x="%d" y="14">%s</text>
<text x="%d" y="14">%s</text>
</g>
</svg>
`, total, label, value,
		labelWidth,
		labelWidth, valueWidth,
		labelWidth/2, label,
		labelWidth+valueWidth/2, value)
}
