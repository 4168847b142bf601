// Package remux merges separately downloaded streams into one container.
package remux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	FFmpegCommand  = "ffmpeg"
	VideoCodecCopy = "copy"
	AudioCodec     = "aac"
	OverwriteFlag  = "-y"
)

// Input names the streams to merge and the file to produce.
type Input struct {
	Primary   string
	Secondary string
	Output    string
}

func (in Input) validate() error {
	if strings.TrimSpace(in.Primary) == "" {
		return errors.New("remux: primary stream is required")
	}
	if strings.TrimSpace(in.Secondary) == "" {
		return errors.New("remux: secondary stream is required")
	}
	if strings.TrimSpace(in.Output) == "" {
		return errors.New("remux: output path is required")
	}
	return nil
}

// ExitError is returned when ffmpeg exits non-zero.
type ExitError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("ffmpeg exited with code %d", e.Code)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.Code, msg)
}

// BuildArgs copies the video track, re-encodes audio to AAC and appends params
// before the overwrite flag.
func BuildArgs(in Input, params []string) []string {
	args := []string{
		"-i", in.Primary,
		"-i", in.Secondary,
		"-c:v", VideoCodecCopy,
		"-c:a", AudioCodec,
		in.Output,
		OverwriteFlag,
	}
	for _, p := range params {
		if p = strings.TrimSpace(p); p != "" {
			args = append(args, p)
		}
	}
	return args
}

// FFmpeg runs the ffmpeg binary found at Path (or on $PATH).
type FFmpeg struct {
	Path   string
	Params []string
	Logger logrus.FieldLogger
}

func (f FFmpeg) command() string {
	if strings.TrimSpace(f.Path) == "" {
		return FFmpegCommand
	}
	return f.Path
}

// Remux blocks until ffmpeg exits or ctx is done.
func (f FFmpeg) Remux(ctx context.Context, in Input) error {
	if err := in.validate(); err != nil {
		return err
	}
	args := BuildArgs(in, f.Params)
	if f.Logger != nil {
		f.Logger.Debugf("running %s %s", f.command(), strings.Join(args, " "))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.command(), args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Args: args, Code: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return fmt.Errorf("start ffmpeg: %w", err)
}
