package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vidfetch/internal/domain"
	"vidfetch/internal/pipeline"
	"vidfetch/internal/progress"
	"vidfetch/internal/remux"
)

const (
	StepSearchMedia       = "Search media links"
	StepRegisterTransfers = "Register transfers"
	StepDownloadStreams   = "Download streams"
	StepMergeStreams      = "Merge streams"
	StepCleanUp           = "Clean up"

	// DefaultRestartLimit is how often a broken stream is refetched from scratch.
	DefaultRestartLimit = 1
	TempDirName         = ".temp"

	logTimeLayout = "20060102-150405"
)

var (
	ErrAlreadyStarted = errors.New("item download already started")
	ErrNoMedia        = errors.New("resolver returned no media")
)

// Resolver discovers the streams and the display title of one item.
type Resolver interface {
	Resolve(ctx context.Context, itemID string) ([]domain.Media, error)
	Title(ctx context.Context, itemID string) (string, error)
}

// RemuxFunc merges the primary and secondary stream into the output file.
type RemuxFunc func(ctx context.Context, in remux.Input) error

// Strategy selects how transfer progress is surfaced.
type Strategy int

const (
	// StrategyLogged writes throttled percentage lines to the item log.
	StrategyLogged Strategy = iota
	// StrategyLive draws one byte bar per stream on the Display.
	StrategyLive
)

type ItemConfig struct {
	ItemID  string
	SaveDir string
	// Filename overrides the resolved title. Its extension is replaced by the
	// media suffix.
	Filename string
	Resolver Resolver
	// Remux defaults to FFmpeg writing to the item log.
	Remux    RemuxFunc
	FFmpeg   remux.FFmpeg
	Transfer pipeline.TransferConfig
	Strategy Strategy
	Display  progress.Display
	// ReportInterval throttles StrategyLogged lines.
	ReportInterval time.Duration
	// AllStreams downloads every resolved stream instead of the best video
	// and the first audio.
	AllStreams    bool
	RemoveTempDir bool
	// RestartLimit of zero means DefaultRestartLimit; negative disables restarts.
	RestartLimit int
	// Console mirrors item log lines as they happen. When nil they go to the
	// log file only.
	Console io.Writer
	// LogLevel of zero means info.
	LogLevel      logrus.Level
	AfterDownload func(Result)
	Now           func() time.Time
}

// Stream is one registered transfer target.
type Stream struct {
	Media domain.Media
	Path  string
}

// Result is the record one pipeline run produces. Steps write into it while
// the item runs; it is frozen once the item reaches a terminal state.
type Result struct {
	ItemID     string
	Title      string
	State      domain.State
	Step       string
	OutputFile string
	LogFile    string
	Media      []domain.Media
	Streams    []Stream
	Err        error
	Trace      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Item downloads the streams of one item and merges them into a single file.
type Item struct {
	cfg     ItemConfig
	tempDir string
	sink    *logSink
	logger  *logrus.Entry

	mu        sync.Mutex
	state     domain.State
	prepared  bool
	tasks     []*pipeline.Task
	transfers []*pipeline.Transfer
	result    Result
}

// NewItem creates the save dir, the temp dir and an empty log file.
func NewItem(cfg ItemConfig) (*Item, error) {
	cfg.ItemID = strings.TrimSpace(cfg.ItemID)
	if cfg.ItemID == "" {
		return nil, errors.New("item id is required")
	}
	if strings.TrimSpace(cfg.SaveDir) == "" {
		return nil, errors.New("save dir is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RestartLimit == 0 {
		cfg.RestartLimit = DefaultRestartLimit
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logrus.InfoLevel
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 2 * time.Second
	}
	if cfg.Display == nil {
		cfg.Display = progress.Silent{}
	}
	if cfg.Transfer.ChunkSize == 0 {
		cfg.Transfer.ChunkSize = pipeline.DefaultChunkSize
	}

	tempDir := filepath.Join(cfg.SaveDir, TempDirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	logFile := filepath.Join(cfg.SaveDir, fmt.Sprintf("%s-%s.log", cfg.Now().Format(logTimeLayout), SanitizeFilename(cfg.ItemID)))
	sink, err := newLogSink(logFile, cfg.Console)
	if err != nil {
		return nil, err
	}

	base := logrus.New()
	base.SetOutput(sink)
	base.SetLevel(cfg.LogLevel)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := base.WithField("item", cfg.ItemID)

	cfg.Transfer.Logger = logger
	if cfg.Remux == nil {
		ffmpeg := cfg.FFmpeg
		ffmpeg.Logger = logger
		cfg.Remux = ffmpeg.Remux
	}

	return &Item{
		cfg:     cfg,
		tempDir: tempDir,
		sink:    sink,
		logger:  logger,
		state:   domain.StateNotStarted,
		result: Result{
			ItemID:  cfg.ItemID,
			State:   domain.StateNotStarted,
			LogFile: logFile,
		},
	}, nil
}

// ItemFactory builds the item for itemID inside dir.
type ItemFactory func(itemID, dir string) (*Item, error)

// NewItemFactory returns a factory that clones base for every item.
func NewItemFactory(base ItemConfig) ItemFactory {
	return func(itemID, dir string) (*Item, error) {
		cfg := base
		cfg.ItemID = itemID
		cfg.SaveDir = dir
		return NewItem(cfg)
	}
}

func (it *Item) ID() string      { return it.cfg.ItemID }
func (it *Item) SaveDir() string { return it.cfg.SaveDir }
func (it *Item) TempDir() string { return it.tempDir }
func (it *Item) LogFile() string { return it.result.LogFile }

func (it *Item) String() string {
	return "<item> " + it.cfg.ItemID
}

func (it *Item) State() domain.State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// OutputFile is empty until the media search step has run.
func (it *Item) OutputFile() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.result.OutputFile
}

// Result returns a copy of the pipeline record.
func (it *Item) Result() Result {
	it.mu.Lock()
	defer it.mu.Unlock()
	res := it.result
	res.Media = append([]domain.Media(nil), it.result.Media...)
	res.Streams = append([]Stream(nil), it.result.Streams...)
	return res
}

func (it *Item) Tasks() []*pipeline.Task {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]*pipeline.Task(nil), it.tasks...)
}

func (it *Item) Transfers() []*pipeline.Transfer {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]*pipeline.Transfer(nil), it.transfers...)
}

// Prepare appends the pipeline steps. Calling it again is a no-op.
func (it *Item) Prepare() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.prepared {
		return
	}
	it.tasks = append(it.tasks,
		pipeline.NewTask(StepSearchMedia, it.searchMedia),
		pipeline.NewTask(StepRegisterTransfers, it.registerTransfers),
		pipeline.BindLate(StepDownloadStreams, it.downloadStreams, it.Transfers),
		pipeline.BindLate(StepMergeStreams, it.merge, it.planMerge),
		pipeline.NewTask(StepCleanUp, it.cleanUp),
	)
	it.prepared = true
}

// Download runs the pipeline to completion. A failing step leaves the item in
// StateFailed with the cause in Result; only cancellation of ctx and misuse
// are reported as errors.
func (it *Item) Download(ctx context.Context) (domain.State, error) {
	return it.run(ctx, nil)
}

// Steps runs the pipeline, yielding each step right before it starts.
// Stopping the iteration cancels the item.
func (it *Item) Steps(ctx context.Context) iter.Seq2[int, *pipeline.Task] {
	return func(yield func(int, *pipeline.Task) bool) {
		_, _ = it.run(ctx, yield)
	}
}

func (it *Item) run(ctx context.Context, yield func(int, *pipeline.Task) bool) (domain.State, error) {
	it.Prepare()
	if err := it.start(); err != nil {
		return it.State(), err
	}
	defer it.complete()

	tasks := it.Tasks()
	it.logger.Infof("download started in %s", it.cfg.SaveDir)
	for i, task := range tasks {
		if yield != nil && !yield(i, task) {
			return it.cancel(context.Canceled)
		}
		if err := ctx.Err(); err != nil {
			return it.cancel(err)
		}

		it.mu.Lock()
		it.result.Step = task.Name()
		it.mu.Unlock()

		it.logger.Infof("[%d/%d] %s", i+1, len(tasks), task.Name())
		if err := it.startTask(ctx, task); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return it.cancel(ctxErr)
			}
			it.fail(task.Name(), err)
			return domain.StateFailed, nil
		}
	}

	it.mu.Lock()
	it.state = domain.StateFinished
	output := it.result.OutputFile
	it.mu.Unlock()
	it.logger.Infof("download finished: %s", output)
	return domain.StateFinished, nil
}

func (it *Item) start() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if !it.state.CanTransition(domain.StateStarted) {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, it.cfg.ItemID, it.state)
	}
	it.state = domain.StateStarted
	it.result.State = domain.StateStarted
	it.result.StartedAt = it.cfg.Now()
	return nil
}

// startTask runs task and turns a panic into a failure of that step.
func (it *Item) startTask(ctx context.Context, task *pipeline.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return task.Start(ctx)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

// fail records err as the final result. Step errors are wrapped with
// pkg/errors where they occur, so %+v prints the stack of the failing step.
func (it *Item) fail(step string, err error) {
	trace := fmt.Sprintf("%+v", err)
	var pe *panicError
	if errors.As(err, &pe) {
		trace = fmt.Sprintf("%s\n%s", pe, pe.stack)
	}

	it.mu.Lock()
	it.state = domain.StateFailed
	it.result.Err = err
	it.result.Trace = trace
	it.mu.Unlock()

	it.logger.WithField("step", step).Errorf("download failed: %v", err)
	_, _ = fmt.Fprintf(it.sink, "%s\n", trace)
}

func (it *Item) cancel(err error) (domain.State, error) {
	it.mu.Lock()
	it.state = domain.StateCancelled
	it.result.Err = err
	it.mu.Unlock()

	it.logger.Warnf("download cancelled: %v", err)
	return domain.StateCancelled, err
}

func (it *Item) complete() {
	it.mu.Lock()
	it.result.State = it.state
	it.result.FinishedAt = it.cfg.Now()
	it.mu.Unlock()

	if it.cfg.AfterDownload != nil {
		it.cfg.AfterDownload(it.Result())
	}
	if err := it.sink.flush(); err != nil && it.cfg.Console != nil {
		_, _ = fmt.Fprintf(it.cfg.Console, "write log file %s: %v\n", it.result.LogFile, err)
	}
}

func (it *Item) searchMedia(ctx context.Context) error {
	media, err := it.cfg.Resolver.Resolve(ctx, it.cfg.ItemID)
	if err != nil {
		return pkgerrors.Wrap(err, "resolve media")
	}
	if len(media) == 0 {
		return pkgerrors.WithStack(ErrNoMedia)
	}
	for _, m := range media {
		it.logger.Debugf("found %s at %s (%d backups)", m, m.PrimaryURL(), len(m.BackupURLs()))
	}

	title, output := it.outputFile(ctx, media)

	it.mu.Lock()
	it.result.Media = media
	it.result.Title = title
	it.result.OutputFile = output
	it.mu.Unlock()

	it.logger.Infof("found %d streams, output %s", len(media), output)
	return nil
}

func (it *Item) outputFile(ctx context.Context, media []domain.Media) (string, string) {
	primary := media[0]
	for _, m := range media {
		if m.Category() == domain.CategoryVideo {
			primary = m
			break
		}
	}

	if it.cfg.Filename != "" {
		name := withSuffix(SanitizeFilename(it.cfg.Filename), primary.Suffix())
		return it.cfg.Filename, filepath.Join(it.cfg.SaveDir, name)
	}

	title, err := it.cfg.Resolver.Title(ctx, it.cfg.ItemID)
	if err != nil || strings.TrimSpace(title) == "" {
		it.logger.Warnf("no title for %s, falling back to the item id: %v", it.cfg.ItemID, err)
		title = it.cfg.ItemID
	}
	return title, filepath.Join(it.cfg.SaveDir, SanitizeFilename(title)+"."+primary.Suffix())
}

func (it *Item) selectStreams(media []domain.Media) []domain.Media {
	if it.cfg.AllStreams {
		return media
	}
	var selected []domain.Media
	for _, category := range []domain.Category{domain.CategoryVideo, domain.CategoryAudio} {
		for _, m := range media {
			if m.Category() == category {
				selected = append(selected, m)
				break
			}
		}
	}
	if len(selected) == 0 {
		selected = media[:1]
	}
	return selected
}

func (it *Item) registerTransfers(ctx context.Context) error {
	it.mu.Lock()
	media := it.result.Media
	it.mu.Unlock()
	if len(media) == 0 {
		return pkgerrors.WithStack(ErrNoMedia)
	}

	selected := it.selectStreams(media)
	transfers := make([]*pipeline.Transfer, 0, len(selected))
	streams := make([]Stream, 0, len(selected))
	prefix := SanitizeFilename(it.cfg.ItemID)
	for i, m := range selected {
		path := filepath.Join(it.tempDir, fmt.Sprintf("%s-%d-%s.%s", prefix, i, m.Category(), m.Suffix()))
		transfer, err := pipeline.NewTransfer(m, path, it.cfg.Transfer)
		if err != nil {
			return pkgerrors.Wrapf(err, "register %s", m)
		}
		transfers = append(transfers, transfer)
		streams = append(streams, Stream{Media: m, Path: path})
		it.logger.Infof("registered %s -> %s", m, path)
	}

	it.mu.Lock()
	it.transfers = transfers
	it.result.Streams = streams
	it.mu.Unlock()
	return nil
}

func (it *Item) downloadStreams(ctx context.Context, transfers []*pipeline.Transfer) error {
	if len(transfers) == 0 {
		return pkgerrors.New("no transfers registered")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, transfer := range transfers {
		g.Go(func() error {
			return it.runTransfer(gctx, transfer)
		})
	}
	return g.Wait()
}

func (it *Item) runTransfer(ctx context.Context, transfer *pipeline.Transfer) error {
	obs, done := it.observer(transfer)
	defer done()

	limit := max(it.cfg.RestartLimit, 0)
	for restarts := 0; ; restarts++ {
		outcome := transfer.Run(ctx, obs)
		switch {
		case outcome.Kind == pipeline.OutcomeSuccess:
			it.logger.Infof("%s: done, %s from %s", transfer, humanize.Bytes(uint64(outcome.Written)), outcome.URL)
			return nil
		case outcome.Kind == pipeline.OutcomeRestartRequired && restarts < limit:
			it.logger.Warnf("%s: stream broke after %s, restarting with a fresh session [%d/%d]: %v",
				transfer, humanize.Bytes(uint64(outcome.Written)), restarts+1, limit, outcome.Cause)
			transfer.Renew()
		default:
			return pkgerrors.Wrap(outcome.Err(), transfer.String())
		}
	}
}

func (it *Item) observer(transfer *pipeline.Transfer) (pipeline.Observer, func()) {
	if it.cfg.Strategy == StrategyLive {
		bar := it.cfg.Display.NewBar(-1, it.cfg.ItemID+" "+transfer.String(), true)
		return progress.NewBarReporter(bar), bar.Finish
	}
	return progress.NewLogReporter(it.logger, transfer.String(), it.cfg.ReportInterval), func() {}
}

type mergePlan struct {
	input  remux.Input
	extras []Stream
}

// planMerge pairs the first video with the first audio stream. Without such a
// pair the first stream becomes the output on its own.
func (it *Item) planMerge() mergePlan {
	it.mu.Lock()
	streams := append([]Stream(nil), it.result.Streams...)
	output := it.result.OutputFile
	it.mu.Unlock()

	plan := mergePlan{input: remux.Input{Output: output}}
	if len(streams) == 0 {
		return plan
	}

	videoIdx, audioIdx := -1, -1
	for i, s := range streams {
		switch {
		case s.Media.Category() == domain.CategoryVideo && videoIdx < 0:
			videoIdx = i
		case s.Media.Category() == domain.CategoryAudio && audioIdx < 0:
			audioIdx = i
		}
	}
	if videoIdx < 0 || audioIdx < 0 {
		videoIdx, audioIdx = 0, -1
	}

	plan.input.Primary = streams[videoIdx].Path
	if audioIdx >= 0 {
		plan.input.Secondary = streams[audioIdx].Path
	}
	for i, s := range streams {
		if i != videoIdx && i != audioIdx {
			plan.extras = append(plan.extras, s)
		}
	}
	return plan
}

func (it *Item) merge(ctx context.Context, plan mergePlan) error {
	in := plan.input
	if in.Primary == "" || in.Output == "" {
		return pkgerrors.New("nothing to merge")
	}

	if in.Secondary == "" {
		it.logger.Infof("single stream, moving %s to %s", in.Primary, in.Output)
		if err := moveFile(in.Primary, in.Output); err != nil {
			return pkgerrors.Wrap(err, "move stream")
		}
	} else {
		it.logger.Infof("merging %s and %s into %s", filepath.Base(in.Primary), filepath.Base(in.Secondary), in.Output)
		if err := it.cfg.Remux(ctx, in); err != nil {
			return pkgerrors.Wrap(err, "remux")
		}
	}

	base := strings.TrimSuffix(in.Output, filepath.Ext(in.Output))
	for _, extra := range plan.extras {
		dst := base + "-" + SanitizeFilename(extra.Media.Name()) + "." + extra.Media.Suffix()
		if err := moveFile(extra.Path, dst); err != nil {
			return pkgerrors.Wrapf(err, "move %s", extra.Media)
		}
		it.logger.Infof("kept %s as %s", extra.Media, dst)
	}
	return nil
}

func (it *Item) cleanUp(context.Context) error {
	if !it.cfg.RemoveTempDir {
		it.logger.Debugf("keeping temp dir %s", it.tempDir)
		return nil
	}
	if err := os.RemoveAll(it.tempDir); err != nil {
		return pkgerrors.Wrap(err, "remove temp dir")
	}
	it.logger.Infof("removed temp dir %s", it.tempDir)
	return nil
}
