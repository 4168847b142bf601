package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"vidfetch/internal/domain"
	"vidfetch/internal/progress"
)

const (
	LogDirName     = "logs"
	itemDirPattern = "downloader-%s"
)

// Publisher copies a finished output somewhere else and returns its location.
type Publisher interface {
	PublishFile(ctx context.Context, localPath string) (string, error)
}

// Recorder is told about every item state change of a batch.
type Recorder interface {
	RecordItem(ctx context.Context, report Report)
}

// Report is the coordinator's view of one item. Paths point at the relocated
// files once the item has been settled.
type Report struct {
	ItemID         string
	State          domain.State
	Step           string
	ItemDir        string
	OutputFile     string
	LogFile        string
	RemoteLocation string
	Err            error
	Trace          string
}

type CoordinatorConfig struct {
	SaveDir string
	// LogDir defaults to SaveDir/logs.
	LogDir string
	// MaxWorkers defaults to the number of CPUs.
	MaxWorkers    int
	ExitOnFailure bool
	// MoveOutput moves finished outputs from the item dir into SaveDir.
	MoveOutput bool
	// MoveLog moves logs of finished items into LogDir.
	MoveLog bool
	// RemoveItemDirs deletes the item dir once nothing reported lives there.
	RemoveItemDirs bool
	// ShowProgress drives items step by step and renders bars on Display.
	ShowProgress bool
	Display      progress.Display
	Logger       *logrus.Logger
	Publisher    Publisher
	Recorder     Recorder
	// NewItem builds items for AddIDs.
	NewItem ItemFactory
}

// Coordinator downloads a batch of items with bounded parallelism.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *logrus.Logger

	success atomic.Int64
	failed  atomic.Int64

	mu      sync.Mutex
	items   []*Item
	reports []Report
}

func NewCoordinator(cfg CoordinatorConfig, items ...*Item) (*Coordinator, error) {
	if cfg.SaveDir == "" {
		return nil, errors.New("save dir is required")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.SaveDir, LogDirName)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Display == nil {
		cfg.Display = progress.Silent{}
	}
	for _, dir := range []string{cfg.SaveDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	c := &Coordinator{cfg: cfg, logger: cfg.Logger}
	c.add(items...)
	return c, nil
}

// AddIDs builds one item per id under SaveDir/downloader-<id>.
func (c *Coordinator) AddIDs(ids ...string) error {
	if c.cfg.NewItem == nil {
		return errors.New("coordinator has no item factory")
	}
	for _, id := range ids {
		item, err := c.cfg.NewItem(id, c.ItemDir(id))
		if err != nil {
			return fmt.Errorf("build item %s: %w", id, err)
		}
		c.add(item)
	}
	return nil
}

func (c *Coordinator) add(items ...*Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		c.items = append(c.items, item)
		c.reports = append(c.reports, Report{
			ItemID:  item.ID(),
			State:   item.State(),
			ItemDir: item.SaveDir(),
			LogFile: item.LogFile(),
		})
	}
}

func (c *Coordinator) ItemDir(id string) string {
	return filepath.Join(c.cfg.SaveDir, fmt.Sprintf(itemDirPattern, SanitizeFilename(id)))
}

func (c *Coordinator) SaveDir() string     { return c.cfg.SaveDir }
func (c *Coordinator) LogDir() string      { return c.cfg.LogDir }
func (c *Coordinator) SuccessCount() int64 { return c.success.Load() }
func (c *Coordinator) FailedCount() int64  { return c.failed.Load() }

func (c *Coordinator) Items() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Item(nil), c.items...)
}

// Reports returns one report per item in insertion order.
func (c *Coordinator) Reports() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Report(nil), c.reports...)
}

// Download runs every item. Item failures are counted, not returned; the only
// error is the cancellation of ctx, reported after running items drained.
func (c *Coordinator) Download(ctx context.Context) error {
	items := c.Items()
	c.logger.Infof("downloading %d items with %d workers into %s", len(items), c.cfg.MaxWorkers, c.cfg.SaveDir)

	var overall progress.Bar
	if c.cfg.ShowProgress {
		overall = c.cfg.Display.NewBar(int64(len(items)), "batch", false)
		defer overall.Finish()
	}

	sem := make(chan struct{}, c.cfg.MaxWorkers)
	var wg sync.WaitGroup

schedule:
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break schedule
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.drive(ctx, i, item)
			if overall != nil {
				overall.Add(1)
			}
		}()
	}
	wg.Wait()

	c.logger.Infof("batch done: %d succeeded, %d failed, %d total", c.SuccessCount(), c.FailedCount(), len(items))
	return ctx.Err()
}

func (c *Coordinator) drive(ctx context.Context, idx int, item *Item) {
	logger := c.logger.WithField("item", item.ID())
	settled := false
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("item driver panicked: %v\n%s", r, debug.Stack())
			if !settled {
				c.settle(ctx, idx, item, domain.StateFailed, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	c.record(ctx, idx, func(r *Report) { r.State = domain.StateStarted })

	var state domain.State
	if c.cfg.ShowProgress {
		state = c.driveSteps(ctx, item)
	} else {
		var err error
		state, err = item.Download(ctx)
		if err != nil && !errors.Is(err, ctx.Err()) {
			logger.Errorf("download: %v", err)
			state = domain.StateFailed
		}
	}
	settled = true
	c.settle(ctx, idx, item, state, nil)
}

func (c *Coordinator) driveSteps(ctx context.Context, item *Item) domain.State {
	item.Prepare()
	bar := c.cfg.Display.NewBar(int64(len(item.Tasks())), item.ID(), false)
	defer bar.Finish()

	for i, task := range item.Steps(ctx) {
		if i > 0 {
			bar.Add(1)
		}
		bar.Describe(fmt.Sprintf("%s: %s", item.ID(), task.Name()))
	}
	state := item.State()
	if state == domain.StateFinished {
		bar.Add(1)
	}
	return state
}

// settle accounts for an item that has stopped running.
func (c *Coordinator) settle(ctx context.Context, idx int, item *Item, state domain.State, cause error) {
	res := item.Result()
	report := Report{
		ItemID:     item.ID(),
		State:      state,
		Step:       res.Step,
		ItemDir:    item.SaveDir(),
		OutputFile: res.OutputFile,
		LogFile:    res.LogFile,
		Err:        res.Err,
		Trace:      res.Trace,
	}
	if cause != nil {
		report.Err = cause
	}
	logger := c.logger.WithField("item", item.ID())

	switch state {
	case domain.StateFinished:
		c.success.Add(1)
		c.relocate(ctx, logger, &report)
		logger.Infof("finished: %s", report.OutputFile)
	case domain.StateCancelled:
		logger.Warnf("cancelled at %q, artifacts kept in %s", report.Step, report.ItemDir)
	default:
		report.State = domain.StateFailed
		c.failed.Add(1)
		logger.Errorf("failed at %q: %v, see %s", report.Step, report.Err, report.LogFile)
		if c.cfg.ExitOnFailure {
			c.logger.Fatalf("stopping after failure of item %s", item.ID())
		}
	}

	c.record(ctx, idx, func(r *Report) { *r = report })
}

func (c *Coordinator) relocate(ctx context.Context, logger *logrus.Entry, report *Report) {
	if c.cfg.MoveOutput && report.OutputFile != "" {
		dst := filepath.Join(c.cfg.SaveDir, filepath.Base(report.OutputFile))
		if err := moveFile(report.OutputFile, dst); err != nil {
			logger.Errorf("move output: %v", err)
		} else {
			report.OutputFile = dst
		}
	}
	if c.cfg.MoveLog && report.LogFile != "" {
		dst := filepath.Join(c.cfg.LogDir, filepath.Base(report.LogFile))
		if err := moveFile(report.LogFile, dst); err != nil {
			logger.Errorf("move log: %v", err)
		} else {
			report.LogFile = dst
		}
	}

	if c.cfg.Publisher != nil && report.OutputFile != "" {
		location, err := c.cfg.Publisher.PublishFile(ctx, report.OutputFile)
		if err != nil {
			logger.Errorf("publish output: %v", err)
		} else {
			report.RemoteLocation = location
			logger.Infof("published to %s", location)
		}
	}

	if c.cfg.RemoveItemDirs {
		if within(report.ItemDir, report.OutputFile) || within(report.ItemDir, report.LogFile) {
			logger.Warnf("keeping %s, it still holds the output or the log", report.ItemDir)
			return
		}
		if err := os.RemoveAll(report.ItemDir); err != nil {
			logger.Errorf("remove item dir: %v", err)
		}
	}
}

func (c *Coordinator) record(ctx context.Context, idx int, update func(*Report)) {
	c.mu.Lock()
	update(&c.reports[idx])
	report := c.reports[idx]
	c.mu.Unlock()

	if c.cfg.Recorder != nil {
		c.cfg.Recorder.RecordItem(context.WithoutCancel(ctx), report)
	}
}
