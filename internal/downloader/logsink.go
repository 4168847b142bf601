package downloader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// logSink is the output of an item logger. Without a console it appends
// straight to the log file; with one it mirrors lines to the console and keeps
// a transcript that flush appends to the log file.
type logSink struct {
	mu         sync.Mutex
	path       string
	console    io.Writer
	transcript bytes.Buffer
}

func newLogSink(path string, console io.Writer) (*logSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close log file: %w", err)
	}
	return &logSink{path: path, console: console}, nil
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.console != nil {
		s.transcript.Write(p)
		return s.console.Write(p)
	}
	return s.appendFile(p)
}

func (s *logSink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript.Len() == 0 {
		return nil
	}
	if _, err := s.appendFile(s.transcript.Bytes()); err != nil {
		return err
	}
	s.transcript.Reset()
	return nil
}

func (s *logSink) appendFile(p []byte) (int, error) {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
