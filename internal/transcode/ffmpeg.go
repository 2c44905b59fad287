// Package transcode repackages camera recordings into a distributable
// container by invoking ffmpeg in stream-copy mode. Nothing is re-encoded.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ErrSourceNotReady marks a conversion whose input was missing or not yet
// fully written. The recording is retried on a later discovery cycle.
var ErrSourceNotReady = errors.New("recording source not ready")

// DefaultTimeout bounds one ffmpeg invocation so a hung process cannot stall
// its pipeline instance forever.
const DefaultTimeout = 5 * time.Minute

// runResult is the outcome of one external command invocation.
type runResult struct {
	exitCode int
	stdout   string
	stderr   string
}

// runner invokes an external command. Split out so tests can stub the
// process boundary.
type runner func(ctx context.Context, command string, args []string) (runResult, error)

// FFmpeg converts recordings with an external ffmpeg binary.
type FFmpeg struct {
	command string
	timeout time.Duration
	logger  *zap.Logger
	run     runner
}

// NewFFmpeg creates a converter using the ffmpeg binary at command.
func NewFFmpeg(command string, timeout time.Duration, logger *zap.Logger) *FFmpeg {
	if command == "" {
		command = "/usr/bin/ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{command: command, timeout: timeout, logger: logger, run: execRun}
}

// Convert repackages src into dst with a container copy. Any diagnostic
// output on stderr means the source is not yet a valid recording, whatever
// the exit code says: ffmpeg's exit status is unreliable for partially
// written media, so the diagnostic stream is authoritative.
func (f *FFmpeg) Convert(ctx context.Context, src, dst string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", src,
		"-codec", "copy",
		dst,
	}
	res, err := f.run(ctx, f.command, args)
	if err != nil {
		return fmt.Errorf("run %s: %w", f.command, err)
	}
	if res.stderr != "" {
		f.logger.Debug("ffmpeg diagnostics",
			zap.String("src", src),
			zap.Int("exit_code", res.exitCode),
			zap.String("stderr", res.stderr),
		)
		return fmt.Errorf("%w: %s", ErrSourceNotReady, res.stderr)
	}
	if res.stdout != "" {
		f.logger.Debug("ffmpeg stdout", zap.String("src", src), zap.String("stdout", res.stdout))
	}
	return nil
}

// execRun runs the command and captures both streams. A non-zero exit is not
// an error here; Convert judges success from stderr.
func execRun(ctx context.Context, command string, args []string) (runResult, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := runResult{stdout: stdout.String(), stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.exitCode = 0
	case errors.As(err, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		return res, err
	}
	return res, nil
}
