package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestOutputBufferCapsBytes(t *testing.T) {
	b := NewOutputBuffer(12)
	b.Write("aaaa\nbbbb\n")
	b.Write("\x1b[32mcccc\x1b[0m\n")
	got := b.LastN(10)
	if len(got) != 2 || got[0] != "bbbb" || got[1] != "cccc" {
		t.Fatalf("unexpected lines %q", got)
	}
	if !strings.HasPrefix(b.String(), "[... 1 earlier lines dropped ...]") {
		t.Fatalf("missing drop marker: %q", b.String())
	}
}

func TestOutputBufferKeepsOversizedLine(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Write("a very long line")
	if got := b.LastN(1); len(got) != 1 || got[0] != "a very long line" {
		t.Fatalf("unexpected lines %q", got)
	}
}

func TestPrinterHostf(t *testing.T) {
	var buf bytes.Buffer
	p := &Printer{out: &buf}
	p.Hostf("web1", "one\ntwo\n")
	p.Suspend()
	p.Println("hidden")
	p.Resume()
	if buf.String() != "[web1] one\n[web1] two\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestRunConcurrentLimit(t *testing.T) {
	var running, peak int32
	tasks := make([]ConcurrentTask, 6)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}
	}
	for i, err := range RunConcurrent(context.Background(), tasks, 2, false) {
		if err != nil {
			t.Fatalf("task %d failed: %v", i, err)
		}
	}
	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
}

func TestRunConcurrentFailFast(t *testing.T) {
	boom := errors.New("boom")
	tasks := []ConcurrentTask{
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	}
	errs := RunConcurrent(context.Background(), tasks, 2, true)
	if errs[0] != boom {
		t.Fatalf("expected boom, got %v", errs[0])
	}
	if !errors.Is(errs[1], context.Canceled) {
		t.Fatalf("expected cancellation, got %v", errs[1])
	}
}
