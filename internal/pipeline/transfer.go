package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vidfetch/internal/domain"
)

// DefaultChunkSize is the read size for streamed bodies.
const DefaultChunkSize = 1024 * 1024

// Observer receives progress from a running transfer. Chunk must not retain p.
type Observer interface {
	TotalSize(size int64)
	Chunk(p []byte)
}

type nopObserver struct{}

func (nopObserver) TotalSize(int64) {}
func (nopObserver) Chunk([]byte)    {}

// TransferConfig carries the knobs shared by all transfers of an item.
type TransferConfig struct {
	ChunkSize  int
	Retry      RetryPolicy
	Header     http.Header
	NewSession SessionFactory
	Logger     logrus.FieldLogger
}

// Transfer streams one Media to a local file, falling back through the
// backup URLs in order.
type Transfer struct {
	media  domain.Media
	output string
	cfg    TransferConfig

	mu        sync.Mutex
	session   *http.Client
	totalSize atomic.Int64
	finished  atomic.Bool
}

func NewTransfer(media domain.Media, outputPath string, cfg TransferConfig) (*Transfer, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", cfg.ChunkSize)
	}
	if strings.TrimSpace(outputPath) == "" {
		return nil, errors.New("output path is required")
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	if cfg.NewSession == nil {
		cfg.NewSession = NewSessionFactory(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	t := &Transfer{
		media:   media,
		output:  outputPath,
		cfg:     cfg,
		session: cfg.NewSession(),
	}
	t.totalSize.Store(-1)
	return t, nil
}

func (t *Transfer) Media() domain.Media { return t.media }
func (t *Transfer) OutputPath() string  { return t.output }
func (t *Transfer) Finished() bool      { return t.finished.Load() }

// TotalSize returns the size reported by the first accepted response.
func (t *Transfer) TotalSize() (int64, bool) {
	size := t.totalSize.Load()
	return size, size >= 0
}

func (t *Transfer) String() string {
	return t.media.String()
}

// Renew drops the current session and replaces it with a fresh one.
func (t *Transfer) Renew() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		t.session.CloseIdleConnections()
	}
	t.session = t.cfg.NewSession()
}

func (t *Transfer) client() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Run fetches the media from scratch, truncating the output file. obs may be nil.
func (t *Transfer) Run(ctx context.Context, obs Observer) Outcome {
	if obs == nil {
		obs = nopObserver{}
	}

	f, err := os.Create(t.output)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Cause: fmt.Errorf("create output file: %w", err)}
	}
	defer f.Close()

	var causes []error
	for _, target := range t.media.URLs() {
		outcome := t.fetch(ctx, target, f, obs)
		switch outcome.Kind {
		case OutcomeSuccess:
			if err := f.Sync(); err != nil {
				return Outcome{Kind: OutcomeFailed, URL: target, Written: outcome.Written, Cause: fmt.Errorf("sync output file: %w", err)}
			}
			t.finished.Store(true)
			return outcome
		case OutcomeRetryNextCandidate:
			t.cfg.Logger.Warnf("%s: %v, trying next url", t, outcome.Cause)
			causes = append(causes, outcome.Err())
		default:
			return outcome
		}
	}
	return Outcome{Kind: OutcomeAllCandidatesExhausted, Cause: errors.Join(causes...)}
}

func (t *Transfer) fetch(ctx context.Context, target string, w io.Writer, obs Observer) Outcome {
	var resp *http.Response
	err := t.cfg.Retry.Do(ctx, t.cfg.Logger, t.String(), func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return Permanent(err)
		}
		if t.cfg.Header != nil {
			req.Header = t.cfg.Header.Clone()
		}
		r, err := t.client().Do(req)
		if err != nil {
			if isPermanentTransportError(err) {
				return Permanent(err)
			}
			return err
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			r.Body.Close()
			return fmt.Errorf("unexpected status: %s", r.Status)
		}
		resp = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeFailed, URL: target, Cause: ctx.Err()}
		}
		return Outcome{Kind: OutcomeRetryNextCandidate, URL: target, Cause: err}
	}
	defer resp.Body.Close()

	t.totalSize.CompareAndSwap(-1, resolveFileSize(resp))
	total, _ := t.TotalSize()
	obs.TotalSize(total)

	var written int64
	buf := make([]byte, t.cfg.ChunkSize)
	for {
		n, readErr := readChunk(resp.Body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return Outcome{Kind: OutcomeFailed, URL: target, Written: written, Cause: fmt.Errorf("write %s: %w", t.output, err)}
			}
			written += int64(n)
			obs.Chunk(buf[:n])
		}
		if readErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return Outcome{Kind: OutcomeFailed, URL: target, Written: written, Cause: ctx.Err()}
		}
		// only a clean io.EOF ends the body; net/http reports a dropped
		// connection as io.ErrUnexpectedEOF
		if readErr == io.EOF {
			break
		}
		return Outcome{Kind: OutcomeRestartRequired, URL: target, Written: written, Cause: readErr}
	}

	if total > 0 && written != total {
		return Outcome{
			Kind:    OutcomeRestartRequired,
			URL:     target,
			Written: written,
			Cause:   fmt.Errorf("body truncated: got %d of %d bytes", written, total),
		}
	}
	return Outcome{Kind: OutcomeSuccess, URL: target, Written: written}
}

// readChunk fills buf from r and returns the reader's own error, unlike
// io.ReadFull which turns a short read into io.ErrUnexpectedEOF.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// isPermanentTransportError reports client errors that no retry can fix.
func isPermanentTransportError(err error) bool {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) || urlErr.Err == nil {
		return false
	}
	return strings.Contains(urlErr.Err.Error(), "unsupported protocol scheme")
}

// resolveFileSize reads the body size from Content-Length or Content-Range.
// It returns 0 when the size is unknown.
func resolveFileSize(resp *http.Response) int64 {
	if resp.ContentLength > 0 {
		return resp.ContentLength
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && size > 0 {
			return size
		}
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx != -1 {
			if size, err := strconv.ParseInt(strings.TrimSpace(cr[idx+1:]), 10, 64); err == nil && size > 0 {
				return size
			}
		}
	}
	return 0
}
