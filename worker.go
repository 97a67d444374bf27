package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Worker is one backend OS process. A worker is owned by its pool while
// idle and by exactly one session after acquisition; it is never shared and
// never returned to the pool, because a backend process accumulates
// per-connection state. When its session ends, the worker dies with it.
type Worker struct {
	Pid     int
	Backend string

	cmd    *exec.Cmd
	stdin  *stdinWriter
	stdout io.ReadCloser
	logger *Logger

	session atomic.Value // string; set once a session binds the worker

	exitErr error
	exited  chan struct{}
}

// stdinWriter serializes line-oriented writes to the worker's standard
// input. Each message is buffered together with its terminator and flushed
// as one unit, so a write issued while the process is still starting up is
// held in the pipe rather than lost, and concurrent writers can never
// interleave partial messages.
type stdinWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
	c  io.Closer
}

func (w *stdinWriter) writeLine(p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(p); err != nil {
		return err
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return err
	}
	return w.bw.Flush()
}

func (w *stdinWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bw.Flush()
	return w.c.Close()
}

// startWorker launches one backend process with the pool's command and the
// configured environment overlay merged over the gateway's own environment.
// The returned worker is already draining its stderr into the diagnostic log.
func startWorker(backend, command string, args []string, env map[string]string, logger *Logger) (*Worker, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	// Stdout is an explicit pipe rather than StdoutPipe: Wait closes the
	// pipes it created itself, and the reap must never destroy terminal
	// output the session has not drained yet. The reader owns this close.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}
	// The child holds its own copy of the write side.
	stdoutW.Close()

	w := &Worker{
		Pid:     cmd.Process.Pid,
		Backend: backend,
		cmd:     cmd,
		stdin:   &stdinWriter{bw: bufio.NewWriter(stdin), c: stdin},
		stdout:  stdoutR,
		logger:  logger,
		exited:  make(chan struct{}),
	}
	w.session.Store("")

	go w.supervise(stderr)

	return w, nil
}

// supervise drains the worker's stderr into the diagnostic log, one line at
// a time, then reaps the process. Stderr is never forwarded to any client.
// Waiting is safe here: stdout is not one of Wait's own pipes, so a session
// still draining it loses nothing.
func (w *Worker) supervise(stderr io.Reader) {
	err := forwardLines(stderr, func(line []byte) error {
		if sid := w.sessionID(); sid != "" {
			w.logger.Info("worker %d session %s stderr: %s", w.Pid, sid, line)
		} else {
			w.logger.Info("worker %d stderr: %s", w.Pid, line)
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("worker %d: stderr drain failed: %v", w.Pid, err)
	}

	w.exitErr = w.cmd.Wait()
	close(w.exited)
}

// bindSession tags the worker with the session it now belongs to, for
// stderr/exit log correlation.
func (w *Worker) bindSession(id string) {
	w.session.Store(id)
}

func (w *Worker) sessionID() string {
	v, _ := w.session.Load().(string)
	return v
}

// Stdout is the worker's standard output stream. Exclusively the bound
// session reads it.
func (w *Worker) Stdout() io.Reader {
	return w.stdout
}

// WriteMessage appends a line terminator to msg and writes it to the
// worker's standard input verbatim. Framing correctness beyond the
// terminator is the backend's contract.
func (w *Worker) WriteMessage(msg []byte) error {
	return w.stdin.writeLine(msg)
}

// WaitExit blocks until the process has been reaped and returns its exit
// error (nil for a clean exit).
func (w *Worker) WaitExit() error {
	<-w.exited
	return w.exitErr
}

// Dead reports whether the process has already exited and been reaped.
func (w *Worker) Dead() bool {
	select {
	case <-w.exited:
		return true
	default:
		return false
	}
}

// CloseStdout releases the read side of the worker's stdout once its drain
// completes. Kill covers workers that never had a reader.
func (w *Worker) CloseStdout() {
	w.stdout.Close()
}

// Interrupt sends a best-effort interrupt signal and closes the worker's
// stdin so backends that exit on EOF wind down too. The caller does not
// wait for exit confirmation; the supervise goroutine reaps the process
// whenever it goes down.
func (w *Worker) Interrupt() {
	// Signal before touching stdin: closing the writer takes its mutex,
	// which a blocked write into a full pipe could be holding.
	if w.cmd.Process != nil {
		w.cmd.Process.Signal(os.Interrupt)
	}
	w.stdin.close()
}

// Kill terminates the process immediately, best-effort, and releases the
// worker's pipe ends. Only for workers without a session draining stdout;
// an active session interrupts instead and closes stdout itself.
func (w *Worker) Kill() {
	if w.cmd.Process != nil {
		w.cmd.Process.Kill()
	}
	w.stdin.close()
	w.stdout.Close()
}
