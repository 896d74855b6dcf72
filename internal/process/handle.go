package process

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

type handle struct {
	cmd             *exec.Cmd
	pid             int
	logger          *slog.Logger
	gracefulTimeout time.Duration
	killTimeout     time.Duration

	stopOnce sync.Once
	done     chan struct{}
	exit     Exit
}

func (h *handle) PID() int { return h.pid }

// Done is closed once the process has been reaped.
func (h *handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the process has exited and returns its status.
func (h *handle) Wait() Exit {
	<-h.done
	return h.exit
}

// run pumps both pipes, reaps the process and reports the exit.
// Both pipes must be drained before cmd.Wait closes them.
func (h *handle) run(stdout, stderr io.Reader, readSize int, cb Callbacks, out *slog.Logger, parser LogParser) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pumpStdout(stdout, readSize, cb.OnData)
	}()
	go func() {
		defer wg.Done()
		logOutput(stderr, out, parser)
	}()
	wg.Wait()

	h.exit = exitFromError(h.cmd.Wait())
	close(h.done)

	switch {
	case h.exit.Err != nil:
		h.logger.Error("Process exited with error", "pid", h.pid, "error", h.exit.Err)
	case h.exit.Signal != "":
		h.logger.Info("Process exited", "pid", h.pid, "exit_code", h.exit.Code, "signal", h.exit.Signal)
	default:
		h.logger.Info("Process exited", "pid", h.pid, "exit_code", h.exit.Code)
	}

	if cb.OnExit != nil {
		cb.OnExit(h.exit)
	}
}

func (h *handle) pumpStdout(r io.Reader, readSize int, onData func([]byte)) {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && onData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("Stdout closed", "pid", h.pid, "error", err)
			}
			return
		}
	}
}

// Stop sends SIGINT to the process group and returns the delivery error, if
// any. SIGKILL follows in the background once the grace period expires.
// Calls after the first return nil.
func (h *handle) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}

		h.logger.Info("Sending SIGINT to process", "pid", h.pid)
		if err = h.signal(syscall.SIGINT); err != nil {
			h.logger.Warn("Failed to send SIGINT", "pid", h.pid, "error", err)
		}
		go h.escalate()
	})
	return err
}

func (h *handle) escalate() {
	select {
	case <-h.done:
		return
	case <-time.After(h.gracefulTimeout):
	}

	h.logger.Warn("Graceful shutdown timeout, forcing kill", "pid", h.pid, "timeout", h.gracefulTimeout)
	if err := h.signal(syscall.SIGKILL); err != nil {
		h.logger.Error("Failed to kill process", "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
	case <-time.After(h.killTimeout):
		h.logger.Error("Process did not exit after kill signal", "pid", h.pid)
	}
}

// signal delivers sig to the whole process group. A group that is already
// gone is not an error.
func (h *handle) signal(sig syscall.Signal) error {
	err := syscall.Kill(-h.pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// exitFromError converts the result of cmd.Wait.
func exitFromError(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Exit{Code: 1, Err: err}
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Code: 128 + int(ws.Signal()), Signal: ws.Signal().String()}
	}
	return Exit{Code: exitErr.ExitCode()}
}

// logOutput logs each line of r at the level reported by parser.
func logOutput(r io.Reader, logger *slog.Logger, parser LogParser) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		level, msg := "info", line
		if parser != nil {
			level, msg = parser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg)
		case "warning":
			logger.Warn(msg)
		case "debug", "trace":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Error reading output", "error", err)
	}
}
