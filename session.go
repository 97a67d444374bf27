package main

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MaxLineSize caps one backend message. Matches the generous ceiling stdio
// backends in the wild assume for a single JSON-RPC line.
const MaxLineSize = 10 * 1024 * 1024

// Session bridges one client connection to one worker process for the
// connection's lifetime. The binding is exclusive and permanent: the worker
// is consumed on creation and destroyed on teardown, never handed back.
type Session struct {
	id      string
	backend string
	conn    *websocket.Conn
	worker  *Worker
	logger  *Logger
	metrics *Metrics

	closed    int32
	closeOnce sync.Once
}

func newSession(backend string, conn *websocket.Conn, worker *Worker, logger *Logger, metrics *Metrics) *Session {
	s := &Session{
		id:      uuid.NewString(),
		backend: backend,
		conn:    conn,
		worker:  worker,
		metrics: metrics,
	}
	s.logger = logger.WithPrefix("session " + s.id)
	worker.bindSession(s.id)
	return s
}

// run wires the three data paths and blocks until the session ends:
//
//   - worker stdout, split into lines  -> outbound messages
//   - inbound messages, plus a newline -> worker stdin
//   - worker exit                      -> connection close
//
// Stdout-derived and client-originated traffic are independent channels;
// ordering is preserved within each but not between them.
func (s *Session) run() {
	s.metrics.sessionsActive.WithLabelValues(s.backend).Inc()
	s.metrics.sessionsTotal.WithLabelValues(s.backend).Inc()
	defer s.metrics.sessionsActive.WithLabelValues(s.backend).Dec()

	s.logger.Info("%s bound to worker %d", s.backend, s.worker.Pid)

	go s.forwardOutput()
	go s.watchExit()

	s.readLoop()
	s.teardown("client disconnected")
}

// forwardOutput relays every complete, non-empty stdout line to the client
// as one message.
func (s *Session) forwardOutput() {
	err := forwardLines(s.worker.Stdout(), func(line []byte) error {
		return s.conn.WriteMessage(websocket.TextMessage, line)
	})
	s.worker.CloseStdout()
	if err != nil {
		// A dead output path (oversized line, write failure) ends the
		// session; leaving the connection open would strand the client
		// and block the worker against a full pipe.
		if atomic.LoadInt32(&s.closed) == 0 {
			s.logger.Warn("output bridge failed: %v", err)
		}
		s.teardown("output bridge failed")
		return
	}
	// Clean stdout EOF means the worker is going away; watchExit owns
	// the logging and the close.
}

// readLoop relays inbound messages to the worker's stdin. Runs on the
// connection handler's goroutine; returning ends the session.
func (s *Session) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.worker.WriteMessage(msg); err != nil {
			if atomic.LoadInt32(&s.closed) == 0 {
				s.logger.Warn("write to worker %d failed: %v", s.worker.Pid, err)
			}
			return
		}
	}
}

// watchExit surfaces a worker death to the client by closing the
// connection. A crash is an error-level event; a clean exit is not.
func (s *Session) watchExit() {
	err := s.worker.WaitExit()
	if atomic.LoadInt32(&s.closed) == 1 {
		// Teardown already signalled the worker; this is the reap.
		s.logger.Debug("worker %d reaped", s.worker.Pid)
		return
	}
	if err != nil {
		s.logger.Error("worker %d exited abnormally: %v", s.worker.Pid, err)
	} else {
		s.logger.Info("worker %d exited cleanly", s.worker.Pid)
	}
	s.teardown("worker exited")
}

// teardown ends the session exactly once: best-effort interrupt to the
// worker, then the connection is closed. No exit confirmation is awaited —
// responsiveness over strict cleanup, the supervisor reaps stragglers.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		s.logger.Info("closing (%s)", reason)
		s.worker.Interrupt()
		s.conn.Close()
	})
}

// forwardLines splits r into newline-terminated lines and hands each
// non-empty one to emit. A partial line at a read boundary stays buffered
// until its terminator arrives, so a message split across two reads is
// never truncated or merged with its neighbor.
func forwardLines(r io.Reader, emit func(line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := emit(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
