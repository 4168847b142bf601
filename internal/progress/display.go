// Package progress renders download progress either as terminal bars or as
// throttled log lines.
package progress

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Bar is one progress line. Implementations are safe for concurrent use.
type Bar interface {
	// SetTotal resets the bar to zero with a new maximum; a non-positive total
	// renders a spinner.
	SetTotal(total int64)
	Add(n int64)
	Describe(description string)
	Finish()
}

// Display hands out bars that share one output.
type Display interface {
	// NewBar creates a bar counting bytes when bytes is true, plain units otherwise.
	NewBar(total int64, description string, bytes bool) Bar
}

// syncWriter serialises writes from bars rendering on different goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Terminal renders bars with progressbar. A nil writer means stderr.
type Terminal struct {
	out      *syncWriter
	throttle time.Duration
}

func NewTerminal(w io.Writer) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	return &Terminal{
		out:      &syncWriter{w: w},
		throttle: 100 * time.Millisecond,
	}
}

func (t *Terminal) NewBar(total int64, description string, bytes bool) Bar {
	opts := []progressbar.Option{
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionThrottle(t.throttle),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = t.out.Write([]byte("\n"))
		}),
	}
	if bytes {
		opts = append(opts, progressbar.OptionShowBytes(true))
	}
	if total <= 0 {
		total = -1
	}
	return &terminalBar{bar: progressbar.NewOptions64(total, opts...)}
}

type terminalBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func (b *terminalBar) SetTotal(total int64) {
	if total <= 0 {
		total = -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Reset()
	b.bar.ChangeMax64(total)
}

func (b *terminalBar) Add(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.bar.Add64(n)
}

func (b *terminalBar) Describe(description string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bar.Describe(description)
}

func (b *terminalBar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.bar.Finish()
}

// Silent discards everything.
type Silent struct{}

func (Silent) NewBar(int64, string, bool) Bar { return silentBar{} }

type silentBar struct{}

func (silentBar) SetTotal(int64)  {}
func (silentBar) Add(int64)       {}
func (silentBar) Describe(string) {}
func (silentBar) Finish()         {}
