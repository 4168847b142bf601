package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// LogReporter logs transfer progress as percentage lines, at most once per
// Interval unless the transfer completes.
type LogReporter struct {
	logger   logrus.FieldLogger
	name     string
	interval time.Duration

	mu      sync.Mutex
	total   int64
	done    int64
	lastLog time.Time
}

func NewLogReporter(logger logrus.FieldLogger, name string, interval time.Duration) *LogReporter {
	return &LogReporter{logger: logger, name: name, interval: interval}
}

func (r *LogReporter) TotalSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = size
	r.done = 0
	r.lastLog = time.Time{}
	if size > 0 {
		r.logger.Infof("%s: start, %s to fetch", r.name, humanize.Bytes(uint64(size)))
	} else {
		r.logger.Infof("%s: start, size unknown", r.name)
	}
}

func (r *LogReporter) Chunk(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done += int64(len(p))
	now := time.Now()
	complete := r.total > 0 && r.done >= r.total
	if !complete && now.Sub(r.lastLog) < r.interval {
		return
	}
	r.lastLog = now
	if r.total <= 0 {
		r.logger.Infof("%s: %s fetched", r.name, humanize.Bytes(uint64(r.done)))
		return
	}
	percent := float64(r.done) / float64(r.total) * 100
	r.logger.Infof("%s: %.1f%% (%s/%s)", r.name, percent, humanize.Bytes(uint64(r.done)), humanize.Bytes(uint64(r.total)))
}

// BarReporter feeds transfer progress into a Bar.
type BarReporter struct {
	bar Bar
}

func NewBarReporter(bar Bar) *BarReporter {
	return &BarReporter{bar: bar}
}

// TotalSize restarts the bar; a restarted transfer reports its size again.
func (r *BarReporter) TotalSize(size int64) {
	r.bar.SetTotal(size)
}

func (r *BarReporter) Chunk(p []byte) {
	r.bar.Add(int64(len(p)))
}
