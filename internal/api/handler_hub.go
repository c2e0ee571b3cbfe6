package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/manager"
	"github.com/strandhub/strand/internal/model"
)

// HandleHub is the WebSub form endpoint: hub.mode selects publish,
// subscribe, or unsubscribe. Accepted requests answer 202 with a plaintext
// list of warnings; rejected ones answer 400 with the reasons.
func HandleHub(mgr *manager.Manager) http.Handler {
	log := logrus.WithField("component", "api")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			writeReasons(w, http.StatusBadRequest, []manager.Reason{
				{Parameter: "body", Message: "invalid form encoding", IsError: true},
			})
			return
		}

		mode := r.PostForm.Get("hub.mode")
		var (
			res manager.Result
			err error
		)
		switch mode {
		case model.ModePublish:
			topic := r.PostForm.Get("hub.url")
			if topic == "" {
				topic = r.PostForm.Get("hub.topic")
			}
			res, err = mgr.Publish(manager.PublishRequest{Topic: topic})
		case model.ModeSubscribe, model.ModeUnsubscribe:
			res, err = mgr.Subscribe(subscriptionRequest(r, mode))
		default:
			writeReasons(w, http.StatusBadRequest, []manager.Reason{
				{Parameter: "hub.mode", Message: "must be subscribe, unsubscribe, or publish", IsError: true},
			})
			return
		}
		if err != nil {
			log.WithError(err).WithField("mode", mode).Error("hub request failed")
			WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
			return
		}

		if !res.OK() {
			writeReasons(w, http.StatusBadRequest, res.Reasons)
			return
		}
		writeReasons(w, http.StatusAccepted, res.Reasons)

		// Immediate processing happens after the response is on the wire.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		mgr.AfterResponse(res)
	})
}

func subscriptionRequest(r *http.Request, mode string) manager.SubscriptionRequest {
	lease, _ := strconv.ParseInt(r.PostForm.Get("hub.lease_seconds"), 10, 64)
	return manager.SubscriptionRequest{
		Mode:               mode,
		Callback:           r.PostForm.Get("hub.callback"),
		Topic:              r.PostForm.Get("hub.topic"),
		LeaseSeconds:       lease,
		Secret:             r.PostForm.Get("hub.secret"),
		SignatureAlgorithm: r.PostForm.Get("hub.signature_algorithm"),
		RemoteAddr:         r.RemoteAddr,
		From:               r.Header.Get("From"),
		RequestID:          uuid.NewString(),
		IsSecure:           r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
	}
}

// writeReasons renders validation findings as plaintext, one per line.
func writeReasons(w http.ResponseWriter, status int, reasons []manager.Reason) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if len(reasons) == 0 {
		io.WriteString(w, "accepted\n")
		return
	}
	var sb strings.Builder
	for _, reason := range reasons {
		kind := "warning"
		if reason.IsError {
			kind = "error"
		}
		fmt.Fprintf(&sb, "%s: %s: %s\n", kind, reason.Parameter, reason.Message)
	}
	io.WriteString(w, sb.String())
}
