package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// LogParser parses a log line and returns the log level and message.
// Used to extract structured log info from process output (ffmpeg, gstreamer, etc.)
type LogParser func(line string) (level, msg string)

// Spec describes the process to start.
type Spec struct {
	// Name identifies the process in logs.
	Name string
	Path string
	Args []string
}

// String renders the command line as it would be typed in a POSIX shell.
func (s Spec) String() string {
	parts := make([]string, 0, len(s.Args)+1)
	for _, arg := range append([]string{s.Path}, s.Args...) {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$&;|<>()*?[]#~`!{}") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// Exit describes how a process ended. Code is 128+signal when the process was
// killed by a signal, in which case Signal names it. Err is set when waiting
// failed for a reason other than a non-zero exit.
type Exit struct {
	Code   int
	Signal string
	Err    error
}

// Callbacks receive process output. OnData is called from a single reader
// goroutine in production order and owns the chunk it is given. OnExit is
// called exactly once, after the last OnData.
type Callbacks struct {
	OnData func(chunk []byte)
	OnExit func(Exit)
}

// Handle controls a started process.
type Handle interface {
	PID() int
	// Stop requests termination and returns without waiting for the exit.
	// Safe to call more than once and after the process has exited.
	Stop() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec, cb Callbacks) (Handle, error)
}

// ExecOptions configures an ExecSpawner.
type ExecOptions struct {
	// Logger for lifecycle messages. If nil, uses slog.Default().
	Logger *slog.Logger

	// OutputLogger receives stderr lines (e.g., module="ffmpeg"). If nil, uses Logger.
	OutputLogger *slog.Logger

	// LogParser extracts a level from each stderr line (nil = info).
	LogParser LogParser

	// GracefulTimeout is how long Stop waits after SIGINT before SIGKILL. Default 5s.
	GracefulTimeout time.Duration

	// KillTimeout is how long Stop waits after SIGKILL before giving up. Default 5s.
	KillTimeout time.Duration

	// ReadSize is the stdout read buffer size. Default 64 KiB.
	ReadSize int
}

// ExecSpawner starts real OS processes in their own process group.
type ExecSpawner struct {
	opts ExecOptions
}

// NewExecSpawner creates a spawner, filling in defaults.
func NewExecSpawner(opts ExecOptions) *ExecSpawner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OutputLogger == nil {
		opts.OutputLogger = opts.Logger
	}
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = 5 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = 64 * 1024
	}
	return &ExecSpawner{opts: opts}
}

// Spawn starts spec. The process is stopped when ctx is cancelled.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec, cb Callbacks) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, fmt.Errorf("empty command")
	}

	logger := s.opts.Logger.With("name", spec.Name)

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}

	h := &handle{
		cmd:             cmd,
		pid:             cmd.Process.Pid,
		logger:          logger,
		gracefulTimeout: s.opts.GracefulTimeout,
		killTimeout:     s.opts.KillTimeout,
		done:            make(chan struct{}),
	}
	logger.Info("Process started", "pid", h.pid, "command", spec.String())

	out := s.opts.OutputLogger.With("name", spec.Name, "pid", h.pid)
	go h.run(stdout, stderr, s.opts.ReadSize, cb, out, s.opts.LogParser)

	stopOnCancel := context.AfterFunc(ctx, func() { _ = h.Stop() })
	go func() {
		<-h.done
		stopOnCancel()
	}()

	return h, nil
}
