package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"vidfetch/internal/domain"
	"vidfetch/internal/service"
	"vidfetch/internal/storage"
)

// ErrManagerNotStarted is returned when batches are scheduled before Start.
var ErrManagerNotStarted = errors.New("download manager not started")

// Manager runs persisted batches in the background of the server.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, batchID string) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, batchID string) error
}

// ResolverFactory builds the resolver for a batch's quality and codecs.
type ResolverFactory func(quality int, codecs string) (Resolver, error)

// HeaderProvider is implemented by resolvers whose streams need request headers.
type HeaderProvider interface {
	Header() http.Header
}

// Event is broadcast whenever an item or a batch changes state.
type Event struct {
	BatchID     string             `json:"batchId"`
	BatchStatus domain.BatchStatus `json:"batchStatus,omitempty"`
	ItemID      string             `json:"itemId,omitempty"`
	State       domain.State       `json:"state,omitempty"`
	Step        string             `json:"step,omitempty"`
	Success     int64              `json:"success"`
	Failed      int64              `json:"failed"`
	Error       string             `json:"error,omitempty"`
	Time        time.Time          `json:"time"`
}

// Notifier receives manager events.
type Notifier interface {
	Notify(Event)
}

type Config struct {
	DownloadRoot string
	// MaxConcurrent bounds the batches running at once.
	MaxConcurrent int
	// MaxWorkers bounds the items running at once inside one batch.
	MaxWorkers     int
	MoveOutput     bool
	MoveLog        bool
	RemoveItemDirs bool
	// Item is the template every item of every batch is built from.
	Item        ItemConfig
	NewResolver ResolverFactory
	// Publisher is optional; each batch publishes below its own key prefix.
	Publisher *storage.Publisher
	Notifier  Notifier
	Logger    *logrus.Logger
}

type manager struct {
	cfg          Config
	batchService service.BatchService

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*batchHandle
}

type batchHandle struct {
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func NewManager(cfg Config, batchService service.BatchService) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &manager{
		cfg:          cfg,
		batchService: batchService,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		active:       make(map[string]*batchHandle),
	}
}

func (m *manager) Start(ctx context.Context) error {
	if m.cfg.NewResolver == nil {
		return errors.New("resolver factory is required")
	}
	if err := os.MkdirAll(m.cfg.DownloadRoot, 0o755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}

	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
	m.cfg.Logger.Infof("download manager started, data dir: %s", m.cfg.DownloadRoot)
	return nil
}

func (m *manager) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.cfg.Logger.Info("download manager stopped")
}

func (m *manager) Enqueue(ctx context.Context, batchID string) error {
	if _, err := m.runContext(); err != nil {
		return err
	}
	batch, err := m.batchService.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return m.spawnBatch(*batch)
}

// Resume restarts batches a previous process left pending or running.
func (m *manager) Resume(ctx context.Context) error {
	if _, err := m.runContext(); err != nil {
		return err
	}
	batches, err := m.batchService.ListByStatuses(ctx,
		domain.BatchStatusPending,
		domain.BatchStatusRunning,
	)
	if err != nil {
		return err
	}

	for i := range batches {
		if err := m.spawnBatch(batches[i]); err != nil {
			return err
		}
	}
	return nil
}

// runContext returns the context set by Start.
func (m *manager) runContext() (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, ErrManagerNotStarted
	}
	return m.ctx, nil
}

func (m *manager) spawnBatch(batch domain.Batch) error {
	runCtx, err := m.runContext()
	if err != nil {
		return err
	}
	batchCtx, cancel := context.WithCancel(runCtx)
	handle := &batchHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if !m.registerBatch(batch.ID, handle) {
		cancel()
		m.cfg.Logger.WithField("batch", batch.ID).Debug("batch already scheduled")
		return nil
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			cancel()
			m.unregisterBatch(batch.ID)
			close(handle.done)
		}()
		select {
		case <-runCtx.Done():
			return
		case <-batchCtx.Done():
			if m.isCancelled(handle) {
				m.finishCancelled(batch.ID)
			}
			return
		case m.sem <- struct{}{}:
			defer func() { <-m.sem }()
			m.handleBatch(batchCtx, handle, &batch)
		}
	}()
	return nil
}

func (m *manager) registerBatch(id string, handle *batchHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return false
	}
	m.active[id] = handle
	return true
}

func (m *manager) unregisterBatch(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *manager) getBatchHandle(id string) (*batchHandle, bool) {
	m.mu.Lock()
	handle, ok := m.active[id]
	m.mu.Unlock()
	return handle, ok
}

// Cancel stops a scheduled or running batch and waits until it drained.
func (m *manager) Cancel(ctx context.Context, batchID string) error {
	handle, ok := m.getBatchHandle(batchID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	handle.cancelled = true
	m.mu.Unlock()
	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *manager) isCancelled(handle *batchHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return handle.cancelled
}

func (m *manager) handleBatch(ctx context.Context, handle *batchHandle, batch *domain.Batch) {
	logger := m.cfg.Logger.WithField("batch", batch.ID)
	switch batch.Status {
	case domain.BatchStatusCompleted, domain.BatchStatusFailed, domain.BatchStatusCancelled:
		logger.Debugf("batch already %s, skipping", batch.Status)
		return
	}

	var pending []string
	var doneBefore int
	for _, item := range batch.Items {
		if item.State == domain.StateFinished {
			doneBefore++
			continue
		}
		pending = append(pending, item.ItemID)
	}

	if err := m.batchService.UpdateStatus(ctx, batch.ID, domain.BatchStatusRunning, nil); err != nil {
		logger.Errorf("update status failed: %v", err)
		return
	}
	m.notify(Event{BatchID: batch.ID, BatchStatus: domain.BatchStatusRunning, Success: int64(doneBefore)})
	if doneBefore > 0 {
		logger.Infof("resuming batch, %d of %d items already finished", doneBefore, len(batch.Items))
	}

	coord, err := m.newCoordinator(batch, doneBefore)
	if err != nil {
		m.failBatch(ctx, batch.ID, err)
		return
	}
	if err := coord.AddIDs(pending...); err != nil {
		m.failBatch(ctx, batch.ID, err)
		return
	}

	err = coord.Download(ctx)
	success := int(coord.SuccessCount()) + doneBefore
	failed := int(coord.FailedCount())

	persistCtx := context.WithoutCancel(ctx)
	if err := m.batchService.UpdateCounts(persistCtx, batch.ID, success, failed); err != nil {
		logger.Errorf("persist counts: %v", err)
	}

	if err != nil {
		if m.isCancelled(handle) {
			m.finishCancelled(batch.ID)
		} else {
			logger.Info("batch interrupted by shutdown, it resumes on next start")
		}
		return
	}

	status := domain.BatchStatusCompleted
	if failed > 0 {
		msg := fmt.Sprintf("%d of %d items failed", failed, len(batch.Items))
		if success == 0 {
			status = domain.BatchStatusFailed
		}
		if err := m.batchService.UpdateStatus(persistCtx, batch.ID, status, &msg); err != nil {
			logger.Errorf("persist failure message: %v", err)
		}
	}
	if err := m.batchService.MarkFinished(persistCtx, batch.ID, status); err != nil {
		logger.Errorf("mark finished: %v", err)
	}
	m.notify(Event{BatchID: batch.ID, BatchStatus: status, Success: int64(success), Failed: int64(failed)})
	logger.Infof("batch %s: %d succeeded, %d failed", status, success, failed)
}

func (m *manager) newCoordinator(batch *domain.Batch, doneBefore int) (*Coordinator, error) {
	resolver, err := m.cfg.NewResolver(batch.Quality, batch.Codecs)
	if err != nil {
		return nil, fmt.Errorf("build resolver: %w", err)
	}

	item := m.cfg.Item
	item.Resolver = resolver
	if hp, ok := resolver.(HeaderProvider); ok {
		item.Transfer.Header = hp.Header()
	}

	rec := &batchRecorder{
		batchID:    batch.ID,
		doneBefore: int64(doneBefore),
		service:    m.batchService,
		notifier:   m.cfg.Notifier,
		logger:     m.cfg.Logger.WithField("batch", batch.ID),
	}
	cfg := CoordinatorConfig{
		SaveDir:        batch.SaveDir,
		MaxWorkers:     m.cfg.MaxWorkers,
		MoveOutput:     m.cfg.MoveOutput,
		MoveLog:        m.cfg.MoveLog,
		RemoveItemDirs: m.cfg.RemoveItemDirs,
		Logger:         m.cfg.Logger,
		Recorder:       rec,
		NewItem:        NewItemFactory(item),
	}
	if m.cfg.Publisher != nil {
		cfg.Publisher = m.cfg.Publisher.Scoped(batch.ID)
	}

	coord, err := NewCoordinator(cfg)
	if err != nil {
		return nil, err
	}
	rec.coord = coord
	return coord, nil
}

func (m *manager) finishCancelled(batchID string) {
	ctx := context.WithoutCancel(m.ctx)
	if err := m.batchService.MarkFinished(ctx, batchID, domain.BatchStatusCancelled); err != nil {
		m.cfg.Logger.WithField("batch", batchID).Errorf("persist cancellation: %v", err)
	}
	m.notify(Event{BatchID: batchID, BatchStatus: domain.BatchStatusCancelled})
	m.cfg.Logger.WithField("batch", batchID).Warn("batch cancelled")
}

func (m *manager) failBatch(ctx context.Context, batchID string, failErr error) {
	msg := failErr.Error()
	ctx = context.WithoutCancel(ctx)
	if err := m.batchService.UpdateStatus(ctx, batchID, domain.BatchStatusFailed, &msg); err != nil {
		m.cfg.Logger.WithField("batch", batchID).Errorf("persist failure status: %v", err)
	}
	if err := m.batchService.MarkFinished(ctx, batchID, domain.BatchStatusFailed); err != nil {
		m.cfg.Logger.WithField("batch", batchID).Errorf("mark failed: %v", err)
	}
	m.notify(Event{BatchID: batchID, BatchStatus: domain.BatchStatusFailed, Error: msg})
	m.cfg.Logger.WithField("batch", batchID).Error(msg)
}

func (m *manager) notify(event Event) {
	if m.cfg.Notifier == nil {
		return
	}
	event.Time = time.Now()
	m.cfg.Notifier.Notify(event)
}

// batchRecorder persists coordinator reports as item rows.
type batchRecorder struct {
	batchID string
	// doneBefore counts items a previous run already finished.
	doneBefore int64
	service    service.BatchService
	notifier   Notifier
	logger     *logrus.Entry
	coord      *Coordinator
}

func (r *batchRecorder) RecordItem(ctx context.Context, report Report) {
	record := &domain.ItemRecord{
		BatchID:        r.batchID,
		ItemID:         report.ItemID,
		State:          report.State,
		Step:           report.Step,
		OutputFile:     report.OutputFile,
		LogFile:        report.LogFile,
		RemoteLocation: report.RemoteLocation,
	}
	if report.Err != nil {
		record.ErrorMessage = report.Err.Error()
	}
	if err := r.service.RecordItem(ctx, record); err != nil {
		r.logger.WithField("item", report.ItemID).Errorf("persist item: %v", err)
	}

	var success, failed int64
	if r.coord != nil {
		success, failed = r.coord.SuccessCount()+r.doneBefore, r.coord.FailedCount()
		if report.State.IsTerminal() {
			if err := r.service.UpdateCounts(ctx, r.batchID, int(success), int(failed)); err != nil {
				r.logger.Errorf("persist counts: %v", err)
			}
		}
	}

	if r.notifier != nil {
		r.notifier.Notify(Event{
			BatchID: r.batchID,
			ItemID:  report.ItemID,
			State:   report.State,
			Step:    report.Step,
			Success: success,
			Failed:  failed,
			Error:   record.ErrorMessage,
			Time:    time.Now(),
		})
	}
}
