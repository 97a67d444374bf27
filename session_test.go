package main

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestForwardLinesSplitAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()

	var mu sync.Mutex
	var emitted []string
	done := make(chan error, 1)

	go func() {
		done <- forwardLines(pr, func(line []byte) error {
			mu.Lock()
			emitted = append(emitted, string(line))
			mu.Unlock()
			return nil
		})
	}()

	// A terminator split across two reads: nothing may be forwarded
	// until it arrives.
	pw.Write([]byte("hel"))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(emitted) != 0 {
		t.Errorf("Partial line forwarded early: %v", emitted)
	}
	mu.Unlock()

	pw.Write([]byte("lo\nwor"))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(emitted) != 1 || emitted[0] != "hello" {
		t.Errorf("After first terminator: expected [hello], got %v", emitted)
	}
	mu.Unlock()

	pw.Write([]byte("ld\n"))
	pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("forwardLines failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emitted) != 2 || emitted[0] != "hello" || emitted[1] != "world" {
		t.Errorf("Expected [hello world], got %v", emitted)
	}
}

func TestForwardLinesSkipsEmptyLines(t *testing.T) {
	var emitted []string
	err := forwardLines(strings.NewReader("a\n\n\nb\n"), func(line []byte) error {
		emitted = append(emitted, string(line))
		return nil
	})
	if err != nil {
		t.Fatalf("forwardLines failed: %v", err)
	}
	if len(emitted) != 2 || emitted[0] != "a" || emitted[1] != "b" {
		t.Errorf("Expected [a b], got %v", emitted)
	}
}

func TestForwardLinesEachLineExactlyOnce(t *testing.T) {
	input := "one\ntwo\nthree\n"
	var emitted []string
	if err := forwardLines(strings.NewReader(input), func(line []byte) error {
		emitted = append(emitted, string(line))
		return nil
	}); err != nil {
		t.Fatalf("forwardLines failed: %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(emitted) != len(want) {
		t.Fatalf("Expected %d lines, got %d: %v", len(want), len(emitted), emitted)
	}
	for i := range want {
		if emitted[i] != want[i] {
			t.Errorf("Line %d: expected %q, got %q", i, want[i], emitted[i])
		}
	}
}

func TestForwardLinesEmitErrorStops(t *testing.T) {
	boom := errors.New("sink closed")
	calls := 0
	err := forwardLines(strings.NewReader("a\nb\nc\n"), func(line []byte) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected emit error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected forwarding to stop after the failed emit, got %d calls", calls)
	}
}
