// Package procsup is the shared cancellation-aware subprocess
// supervisor used by the Terraform Driver (C6) and by the Ansible and
// docker-compose-CLI execution paths of the Service Installer (C5) —
// one runner, three callers, instead of three divergent os/exec call
// sites (Design Notes' rule against per-method divergence, generalized
// here from the spec's per-transport rule).
package procsup

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is the captured outcome of a supervised run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Options configures one Run call.
type Options struct {
	Dir    string
	Env    []string
	Stdin  []byte
	OnLine func(stream string, line string) // optional streaming callback
}

// Run executes name with args under dir, escalating SIGTERM then
// SIGKILL on context cancellation, mirroring the graceful-shutdown
// escalation the teacher applies to its own long-running server
// goroutines.
func Run(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	start := time.Now()
	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	var stdoutBuf, stderrBuf syncBuffer
	cmd.Stdout = lineTappedWriter(&stdoutBuf, "stdout", opts.OnLine)
	cmd.Stderr = lineTappedWriter(&stderrBuf, "stderr", opts.OnLine)
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	auditLog := logrus.WithFields(logrus.Fields{
		"command": name,
		"args":    strings.Join(args, " "),
		"dir":     opts.Dir,
	})

	if err := cmd.Start(); err != nil {
		auditLog.WithError(err).Warn("procsup: start failed")
		return nil, fmt.Errorf("procsup: start %s: %w", name, err)
	}
	auditLog = auditLog.WithField("pid", cmd.Process.Pid)
	auditLog.Info("procsup: process started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		res, resErr := buildResult(stdoutBuf.String(), stderrBuf.String(), start, err)
		auditLog.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"duration":  res.Duration,
		}).Info("procsup: process exited")
		return res, resErr
	case <-ctx.Done():
		terminateGracefully(cmd, done)
		res, resErr := buildResult(stdoutBuf.String(), stderrBuf.String(), start, ctx.Err())
		auditLog.WithFields(logrus.Fields{
			"exit_code": res.ExitCode,
			"duration":  res.Duration,
		}).Warn("procsup: process cancelled")
		return res, resErr
	}
}

func terminateGracefully(cmd *exec.Cmd, done chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}

func buildResult(stdout, stderr string, start time.Time, err error) (*Result, error) {
	res := &Result{Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}
	if err == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("procsup: exited with status %d", res.ExitCode)
	}
	res.ExitCode = -1
	return res, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// lineTappedWriter returns an io.Writer that both accumulates into buf
// and, if onLine is set, invokes it per newline-terminated chunk. A
// best-effort line splitter is enough here: callers use it for progress
// notifications, not for exact byte-for-byte framing.
func lineTappedWriter(buf *syncBuffer, stream string, onLine func(string, string)) *tappedWriter {
	return &tappedWriter{buf: buf, stream: stream, onLine: onLine}
}

type tappedWriter struct {
	buf    *syncBuffer
	stream string
	onLine func(string, string)
	pend   []byte
	mu     sync.Mutex
}

func (w *tappedWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if w.onLine != nil {
		w.mu.Lock()
		w.pend = append(w.pend, p...)
		for {
			idx := bytes.IndexByte(w.pend, '\n')
			if idx < 0 {
				break
			}
			line := string(w.pend[:idx])
			w.pend = w.pend[idx+1:]
			w.onLine(w.stream, line)
		}
		w.mu.Unlock()
	}
	return n, err
}
