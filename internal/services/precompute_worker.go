package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/bookrex/internal/config"
	"github.com/temcen/bookrex/internal/dataset"
	"github.com/temcen/bookrex/pkg/models"
)

// Precomputer recomputes and caches a user's recommendations.
type Precomputer interface {
	Precompute(ctx context.Context, userID int64) (*models.RecommendationResult, error)
}

// Refresher pulls new rows into the dataset snapshot.
type Refresher interface {
	Refresh(ctx context.Context) (*dataset.Snapshot, error)
}

// PrecomputeWorker recomputes cached recommendations in the background.
// Duplicate requests for a user already waiting in the queue collapse into
// one task; a full queue drops the request.
type PrecomputeWorker struct {
	recommender Precomputer
	refresher   Refresher
	config      config.PrecomputeConfig
	metrics     *MetricsCollector
	logger      *logrus.Logger

	queue chan int64

	mu          sync.Mutex
	pending     map[int64]struct{}
	statuses    map[int64]*models.PrecomputeStatus
	maxStatuses int

	enqueued  atomic.Int64
	coalesced atomic.Int64
	dropped   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewPrecomputeWorker(recommender Precomputer, refresher Refresher, cfg config.PrecomputeConfig, metrics *MetricsCollector, logger *logrus.Logger) *PrecomputeWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	return &PrecomputeWorker{
		recommender: recommender,
		refresher:   refresher,
		config:      cfg,
		metrics:     metrics,
		logger:      logger,
		queue:       make(chan int64, cfg.QueueSize),
		pending:     make(map[int64]struct{}),
		statuses:    make(map[int64]*models.PrecomputeStatus),
		maxStatuses: cfg.QueueSize * 10,
		now:         time.Now,
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (w *PrecomputeWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.config.Workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.logger.WithFields(logrus.Fields{
		"workers":    w.config.Workers,
		"queue_size": w.config.QueueSize,
	}).Info("Precompute worker started")
}

// Stop cancels the workers and waits for in-flight tasks to return.
func (w *PrecomputeWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Precompute worker stopped")
}

// Enqueue schedules a recompute for the user without blocking. It reports
// false when the queue is full and the request was dropped.
func (w *PrecomputeWorker) Enqueue(userID int64, reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if _, ok := w.pending[userID]; ok {
		w.coalesced.Add(1)
		if st := w.statuses[userID]; st != nil {
			st.Coalesced++
			st.UpdatedAt = now
		}
		w.metrics.RecordPrecompute("coalesced")
		return true
	}

	select {
	case w.queue <- userID:
	default:
		w.dropped.Add(1)
		w.metrics.RecordPrecompute("dropped")
		w.logger.WithField("user_id", userID).Warn("Precompute queue full, dropping request")
		return false
	}

	w.pending[userID] = struct{}{}
	w.statuses[userID] = &models.PrecomputeStatus{
		JobID:      uuid.New(),
		UserID:     userID,
		Status:     models.PrecomputeQueued,
		Reason:     reason,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	w.enqueued.Add(1)
	w.metrics.RecordPrecompute("enqueued")
	w.pruneStatuses()
	return true
}

// Status returns a copy of the latest task record for the user.
func (w *PrecomputeWorker) Status(userID int64) (models.PrecomputeStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.statuses[userID]
	if !ok {
		return models.PrecomputeStatus{}, false
	}
	return *st, true
}

func (w *PrecomputeWorker) Stats() models.PrecomputeStats {
	return models.PrecomputeStats{
		Enqueued:   w.enqueued.Load(),
		Coalesced:  w.coalesced.Load(),
		Dropped:    w.dropped.Load(),
		Completed:  w.completed.Load(),
		Failed:     w.failed.Load(),
		QueueDepth: len(w.queue),
		Workers:    w.config.Workers,
	}
}

// QueueDepth reports tasks waiting to be picked up.
func (w *PrecomputeWorker) QueueDepth() int {
	return len(w.queue)
}

func (w *PrecomputeWorker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-w.queue:
			w.process(ctx, workerID, userID)
		}
	}
}

func (w *PrecomputeWorker) process(ctx context.Context, workerID int, userID int64) {
	started := w.now()
	w.setStatus(userID, models.PrecomputeProcessing, "", true)

	if w.config.RefreshBefore && w.refresher != nil {
		if _, err := w.refresher.Refresh(ctx); err != nil {
			w.logger.WithError(err).WithField("user_id", userID).Warn("Refresh before precompute failed, using current snapshot")
		}
	}

	result, err := w.recommender.Precompute(ctx, userID)
	if err != nil {
		w.failed.Add(1)
		w.metrics.RecordPrecompute("failed")
		w.setStatus(userID, models.PrecomputeFailed, err.Error(), false)
		w.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"worker":  workerID,
		}).Error("Precompute failed")
		return
	}

	w.completed.Add(1)
	w.metrics.RecordPrecompute("completed")
	w.setStatus(userID, models.PrecomputeCompleted, "", false)
	w.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"worker":    workerID,
		"algorithm": result.Algorithm,
		"count":     len(result.Items),
		"duration":  w.now().Sub(started),
	}).Info("Precompute completed")
}

// setStatus updates the user's record. Leaving pending happens when the
// task is picked up so later requests queue a fresh recompute.
func (w *PrecomputeWorker) setStatus(userID int64, status, errMsg string, leavePending bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if leavePending {
		delete(w.pending, userID)
	}
	st := w.statuses[userID]
	if st == nil {
		st = &models.PrecomputeStatus{JobID: uuid.New(), UserID: userID, EnqueuedAt: w.now()}
		w.statuses[userID] = st
	}
	st.Status = status
	st.Error = errMsg
	st.UpdatedAt = w.now()
}

// pruneStatuses drops the oldest finished records once the map outgrows
// its cap. Callers hold mu.
func (w *PrecomputeWorker) pruneStatuses() {
	if len(w.statuses) <= w.maxStatuses {
		return
	}

	var finished []*models.PrecomputeStatus
	for _, st := range w.statuses {
		if st.Status == models.PrecomputeCompleted || st.Status == models.PrecomputeFailed {
			finished = append(finished, st)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].UpdatedAt.Before(finished[j].UpdatedAt)
	})
	for _, st := range finished {
		if len(w.statuses) <= w.maxStatuses {
			return
		}
		delete(w.statuses, st.UserID)
	}
}
