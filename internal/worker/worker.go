// Package worker drives one claim queue: it polls the store for claimable
// work, hands each claim to its engine with bounded concurrency, and drains
// cleanly on shutdown. One worker per queue; multiple processes may run
// workers against the same database.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/strandhub/strand/internal/scanloop"
)

// wakeOnlySweep is the poll interval when periodic polling is disabled: a
// slow safety sweep that catches work whose wake signal was lost.
const wakeOnlySweep = 24 * time.Hour

// Claimer claims up to wanted ids from one queue.
type Claimer func(wanted int) ([]string, error)

// ClaimerByID claims one id for immediate processing. claimed=false means
// another node holds it.
type ClaimerByID func(id string) (bool, error)

// Processor resolves one claimed id. It must settle the claim itself
// (complete, reschedule, or release); a returned error is logged only.
type Processor func(ctx context.Context, id string) error

// Worker owns the in-flight set of one queue.
type Worker struct {
	name        string
	claim       Claimer
	claimByID   ClaimerByID
	process     Processor
	concurrency int
	recurrSleep time.Duration
	log         *logrus.Entry

	inFlight     *xsync.Map[string, struct{}]
	isProcessing atomic.Bool

	stopCh  chan struct{}
	wakeCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func New(name string, claim Claimer, claimByID ClaimerByID, process Processor, concurrency int, recurrSleep time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		name:        name,
		claim:       claim,
		claimByID:   claimByID,
		process:     process,
		concurrency: concurrency,
		recurrSleep: recurrSleep,
		log:         logrus.WithFields(logrus.Fields{"component": "worker", "queue": name}),
		inFlight:    xsync.NewMap[string, struct{}](),
		stopCh:      make(chan struct{}),
		wakeCh:      make(chan struct{}, 1),
	}
}

// Start launches the poll loop. With polling disabled the loop only runs on
// Wake, plus a slow safety sweep.
func (w *Worker) Start(polling bool) {
	interval := w.recurrSleep
	if !polling {
		interval = wakeOnlySweep
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.wakeCh, interval, w.processOnce)
	}()
	w.log.WithField("interval", interval).Debug("worker started")
}

// Wake asks the loop to poll now. Non-blocking; a pending wake coalesces.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for in-flight tasks to settle.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
}

// processOnce claims and processes until the queue runs dry. Reentrant calls
// return immediately; the running pass picks up their work.
func (w *Worker) processOnce() {
	if !w.isProcessing.CompareAndSwap(false, true) {
		return
	}
	defer w.isProcessing.Store(false)

	for {
		if w.stopped.Load() {
			return
		}
		free := w.concurrency - w.inFlight.Size()
		if free <= 0 {
			return
		}
		ids, err := w.claim(free)
		if err != nil {
			w.log.WithError(err).Error("claim failed")
			return
		}
		if len(ids) == 0 {
			return
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			if _, loaded := w.inFlight.LoadOrStore(id, struct{}{}); loaded {
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer w.inFlight.Delete(id)
				w.runTask(id)
			}(id)
		}
		wg.Wait()
	}
}

// ProcessNow claims one id and processes it on the calling goroutine. The
// immediate-processing path uses it right after queueing new work.
func (w *Worker) ProcessNow(id string) {
	if w.stopped.Load() {
		return
	}
	if _, loaded := w.inFlight.LoadOrStore(id, struct{}{}); loaded {
		return
	}
	defer w.inFlight.Delete(id)

	if w.claimByID != nil {
		claimed, err := w.claimByID(id)
		if err != nil {
			w.log.WithError(err).WithField("id", id).Error("claim by id failed")
			return
		}
		if !claimed {
			w.log.WithField("id", id).Debug("already claimed elsewhere")
			return
		}
	}
	w.runTask(id)
}

func (w *Worker) runTask(id string) {
	if err := w.process(context.Background(), id); err != nil {
		// Task errors never stop the loop; the claim expires or was released.
		w.log.WithError(err).WithField("id", id).Error("task failed")
	}
}
