// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// =============================================================================
// PROCESS CONFIG
// =============================================================================

// ProcessConfig describes how to launch and talk to one language server.
type ProcessConfig struct {
	// Name labels the server in logs and metrics (usually the language id).
	Name string

	// Command is the executable path or name.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env holds extra KEY=VALUE entries appended to the current environment.
	Env []string

	// Dir is the working directory of the process.
	Dir string

	// StartupProbe is how long Start watches for an immediate exit.
	StartupProbe time.Duration

	// ShutdownGrace is how long Dispose waits after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration

	// RequestTimeout bounds SendRequest when the caller's context has no
	// deadline. Zero disables the default bound.
	RequestTimeout time.Duration
}

// DefaultProcessConfig returns the timing defaults.
//
// Description:
//
//	Returns a configuration with:
//	  - StartupProbe: 200 milliseconds
//	  - ShutdownGrace: 2 seconds
//	  - RequestTimeout: 60 seconds
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		StartupProbe:   200 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// =============================================================================
// STDERR CAPTURE
// =============================================================================

// stderrTailSize bounds the stderr bytes kept for error reports.
const stderrTailSize = 8 * 1024

// stderrSink keeps the tail of the server's stderr and logs each line.
type stderrSink struct {
	mu      sync.Mutex
	tail    []byte
	partial []byte
	logger  *slog.Logger
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail = append(s.tail, p...)
	if len(s.tail) > stderrTailSize {
		s.tail = s.tail[len(s.tail)-stderrTailSize:]
	}

	s.partial = append(s.partial, p...)
	for {
		idx := bytes.IndexByte(s.partial, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(s.partial[:idx], "\r")
		if len(line) > 0 {
			s.logger.Debug("lsp stderr", slog.String("line", string(line)))
		}
		s.partial = s.partial[idx+1:]
	}
	if len(s.partial) > stderrTailSize {
		s.partial = s.partial[:0]
	}
	return len(p), nil
}

// String returns the captured tail.
func (s *stderrSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}

// =============================================================================
// PROCESS
// =============================================================================

// process owns the OS process of a language server and its pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *stderrSink

	exited  chan struct{}
	waitErr error
}

// startProcess launches the server and watches it for StartupProbe.
//
// Description:
//
//	Stdout is a plain os.Pipe rather than cmd.StdoutPipe so that cmd.Wait
//	does not close it under the reader; the reader sees EOF once the child
//	and all its descendants have closed their end. Stderr is copied into a
//	bounded tail buffer.
//
// Errors:
//
//	ErrServerNotInstalled - Command not found on PATH
//	*TerminatedError - The process exited during the startup probe
func startProcess(ctx context.Context, cfg ProcessConfig, logger *slog.Logger) (*process, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServerNotInstalled, cfg.Command)
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	sink := &stderrSink{logger: logger}
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copy of the write end.
	_ = stdoutW.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: sink,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	if cfg.StartupProbe > 0 {
		timer := time.NewTimer(cfg.StartupProbe)
		defer timer.Stop()

		select {
		case <-p.exited:
			_ = p.stdout.Close()
			return nil, &TerminatedError{
				Err:    fmt.Errorf("process exited during startup: %v", p.exitErr()),
				Stderr: sink.String(),
			}
		case <-ctx.Done():
			p.stop(0)
			return nil, fmt.Errorf("start process: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return p, nil
}

// alive reports whether the process has not exited yet.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// exitErr returns the wait error once the process has exited.
func (p *process) exitErr() error {
	select {
	case <-p.exited:
		if p.waitErr == nil {
			return errors.New("exit status 0")
		}
		return p.waitErr
	default:
		return nil
	}
}

// pid returns the OS process id.
func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// stop closes stdin, sends SIGTERM and escalates to SIGKILL after grace.
func (p *process) stop(grace time.Duration) {
	_ = p.stdin.Close()

	if p.alive() {
		_ = terminateProcess(p.cmd.Process)

		timer := time.NewTimer(grace)
		select {
		case <-p.exited:
		case <-timer.C:
			_ = killProcess(p.cmd.Process)
			select {
			case <-p.exited:
			case <-time.After(time.Second):
			}
		}
		timer.Stop()
	}

	_ = p.stdout.Close()
}

// isPipeClosed reports write errors caused by the reader going away.
func isPipeClosed(err error) bool {
	return isBrokenPipe(err) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, fs.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
