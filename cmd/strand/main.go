package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/api"
	"github.com/strandhub/strand/internal/buildinfo"
	"github.com/strandhub/strand/internal/config"
	"github.com/strandhub/strand/internal/engine"
	"github.com/strandhub/strand/internal/housekeep"
	"github.com/strandhub/strand/internal/httpclient"
	"github.com/strandhub/strand/internal/manager"
	"github.com/strandhub/strand/internal/store"
	"github.com/strandhub/strand/internal/worker"
)

func main() {
	if level, err := logrus.ParseLevel(os.Getenv("STRAND_LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	// 1. Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Open the store (runs migrations)
	st, err := store.Open(cfg.DBPath, cfg.ContentCacheEntries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// 3. Wire engines
	client := httpclient.New(cfg.FetchTimeout.Std())
	verifyEngine := engine.NewVerificationEngine(st, client, cfg.RetryBackoffSeconds)
	fetchEngine := engine.NewFetchEngine(st, client, cfg.RetryBackoffSeconds,
		cfg.SelfBaseURL, cfg.StrictTopicHubLink)
	deliveryEngine := engine.NewDeliveryEngine(st, client, cfg.RetryBackoffSeconds, cfg.SelfBaseURL)

	// 4. Wire workers, one per queue
	claimTimeout := cfg.ClaimTimeout.Std()
	verifyWorker := worker.New("verification",
		func(wanted int) ([]string, error) {
			return st.VerificationClaim(wanted, claimTimeout, cfg.NodeID)
		},
		func(id string) (bool, error) {
			return true, st.VerificationClaimByID(id, claimTimeout, cfg.NodeID)
		},
		verifyEngine.Process, cfg.Worker.Concurrency, cfg.Worker.RecurrSleep.Std())
	fetchWorker := worker.New("topic-fetch",
		func(wanted int) ([]string, error) {
			return st.TopicFetchClaim(wanted, claimTimeout, cfg.NodeID)
		},
		func(id string) (bool, error) {
			return st.TopicFetchClaimByID(id, claimTimeout, cfg.NodeID)
		},
		fetchEngine.Process, cfg.Worker.Concurrency, cfg.Worker.RecurrSleep.Std())
	deliveryWorker := worker.New("delivery",
		func(wanted int) ([]string, error) {
			return st.SubscriptionDeliveryClaim(wanted, claimTimeout, cfg.NodeID)
		},
		func(id string) (bool, error) {
			return true, st.SubscriptionDeliveryClaimByID(id, claimTimeout, cfg.NodeID)
		},
		deliveryEngine.Process, cfg.Worker.Concurrency, cfg.Worker.RecurrSleep.Std())

	// New content makes subscriptions eligible. Deliver to each of them right
	// away when configured to, otherwise poke the delivery loop.
	fetchEngine.OnContentChanged = func(topicID string) {
		if !cfg.ProcessImmediately {
			deliveryWorker.Wake()
			return
		}
		subs, err := st.SubscriptionsByTopicID(topicID)
		if err != nil {
			logrus.WithError(err).WithField("topic", topicID).Error("delivery fan-out failed")
			deliveryWorker.Wake()
			return
		}
		for _, sub := range subs {
			go deliveryWorker.ProcessNow(sub.ID)
		}
	}

	verifyWorker.Start(cfg.Worker.PollingEnabled)
	fetchWorker.Start(cfg.Worker.PollingEnabled)
	deliveryWorker.Start(cfg.Worker.PollingEnabled)

	// 5. Wire the request boundary
	mgr := manager.New(st, cfg)
	mgr.FetchNow = fetchWorker.ProcessNow
	mgr.VerifyNow = verifyWorker.ProcessNow

	keeper, err := housekeep.New(st, cfg.HousekeepSchedule, cfg.HistoryRetainPerTopic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	keeper.Start()

	// 6. Start the API server
	srv := api.NewServer(cfg, st, mgr)
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.Port),
			"version": buildinfo.Version,
			"node_id": cfg.NodeID,
		}).Info("hub starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logrus.WithField("signal", sig.String()).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server shutdown")
	}

	keeper.Stop()
	verifyWorker.Stop()
	fetchWorker.Stop()
	deliveryWorker.Stop()
	logrus.Info("hub stopped")
}
