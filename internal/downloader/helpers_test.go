package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"vidfetch/internal/domain"
	"vidfetch/internal/pipeline"
	"vidfetch/internal/remux"
)

const (
	videoPayload = "VIDEO-PAYLOAD"
	audioPayload = "AUDIO"
)

func newStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			_, _ = io.WriteString(w, body)
		}
	}
	mux.HandleFunc("/video/", serve(videoPayload))
	mux.HandleFunc("/audio/", serve(audioPayload))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// stubResolver serves video+audio for every id unless the id is listed in
// fail or panics.
type stubResolver struct {
	base      string
	videoOnly bool
	fail      map[string]error
	panics    map[string]bool
	calls     atomic.Int32
}

func (r *stubResolver) Resolve(_ context.Context, itemID string) ([]domain.Media, error) {
	r.calls.Add(1)
	if r.panics[itemID] {
		panic("resolver exploded for " + itemID)
	}
	if err := r.fail[itemID]; err != nil {
		return nil, err
	}
	video, err := domain.NewMedia(domain.CategoryVideo, r.base+"/video/"+itemID, domain.WithName("video"))
	if err != nil {
		return nil, err
	}
	if r.videoOnly {
		return []domain.Media{video}, nil
	}
	audio, err := domain.NewMedia(domain.CategoryAudio, r.base+"/audio/"+itemID, domain.WithName("audio"))
	if err != nil {
		return nil, err
	}
	return []domain.Media{video, audio}, nil
}

func (r *stubResolver) Title(_ context.Context, itemID string) (string, error) {
	return "Title " + itemID, nil
}

// concatRemux writes primary followed by secondary into the output.
type concatRemux struct {
	mu     sync.Mutex
	inputs []remux.Input
}

func (c *concatRemux) Remux(_ context.Context, in remux.Input) error {
	c.mu.Lock()
	c.inputs = append(c.inputs, in)
	c.mu.Unlock()

	primary, err := os.ReadFile(in.Primary)
	if err != nil {
		return err
	}
	secondary, err := os.ReadFile(in.Secondary)
	if err != nil {
		return err
	}
	return os.WriteFile(in.Output, append(primary, secondary...), 0o644)
}

func (c *concatRemux) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}

func baseItemConfig(resolver Resolver, rmx RemuxFunc) ItemConfig {
	return ItemConfig{
		Resolver: resolver,
		Remux:    rmx,
		Transfer: pipeline.TransferConfig{
			ChunkSize: 4,
			Retry:     pipeline.RetryPolicy{},
		},
		RemoveTempDir: true,
	}
}

func newTestItem(t *testing.T, cfg ItemConfig) *Item {
	t.Helper()
	if cfg.ItemID == "" {
		cfg.ItemID = "BV1xx"
	}
	if cfg.SaveDir == "" {
		cfg.SaveDir = t.TempDir()
	}
	item, err := NewItem(cfg)
	require.NoError(t, err)
	return item
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingPublisher struct {
	mu    sync.Mutex
	paths []string
}

func (p *recordingPublisher) PublishFile(_ context.Context, localPath string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, localPath)
	return fmt.Sprintf("s3://bucket/%d", len(p.paths)), nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	reports map[string][]domain.State
}

func (r *recordingRecorder) RecordItem(_ context.Context, report Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports == nil {
		r.reports = make(map[string][]domain.State)
	}
	r.reports[report.ItemID] = append(r.reports[report.ItemID], report.State)
}

func (r *recordingRecorder) states(id string) []domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.State(nil), r.reports[id]...)
}
