package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/buildinfo"
	"github.com/strandhub/strand/internal/config"
	"github.com/strandhub/strand/internal/store"
)

// HandleRoot serves a short informational page on the hub root.
func HandleRoot(cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><title>WebSub hub</title></head>
<body>
<h1>WebSub hub</h1>
<p>This is a <a href="https://www.w3.org/TR/websub/">WebSub</a> hub (%s).</p>
<p>Subscribe, unsubscribe, and publish by POSTing form-encoded requests to <code>%s</code>.</p>
</body></html>
`, buildinfo.UserAgent(), cfg.SelfBaseURL)
	})
}

// HandleAdminTopics lists every topic, content bodies excluded.
func HandleAdminTopics(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		topics, err := s.TopicList()
		if err != nil {
			logrus.WithError(err).Error("list topics failed")
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		WriteJSON(w, http.StatusOK, topics)
	})
}

// HandleAdminTopicHistory lists the content change history of one topic.
func HandleAdminTopicHistory(s *store.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := s.TopicGetByID(id); errors.Is(err, store.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "NOT_FOUND", "unknown topic")
			return
		} else if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}

		history, err := s.TopicContentHistory(id, 100)
		if err != nil {
			logrus.WithError(err).Error("topic history failed")
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}
		WriteJSON(w, http.StatusOK, history)
	})
}
