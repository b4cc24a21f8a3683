package util

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// OutputBuffer keeps captured command output up to a byte cap, dropping the
// oldest lines first. It is safe for concurrent use.
type OutputBuffer struct {
	mu         sync.Mutex
	lines      []string
	totalBytes int
	capBytes   int
	dropped    int
}

func NewOutputBuffer(capBytes int) *OutputBuffer {
	return &OutputBuffer{capBytes: capBytes}
}

// Write appends text, split into lines with escape sequences removed.
func (b *OutputBuffer) Write(text string) {
	text = strings.TrimRight(StripANSI(text), "\n")
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range strings.Split(text, "\n") {
		b.lines = append(b.lines, line)
		b.totalBytes += len(line) + 1
	}
	for b.totalBytes > b.capBytes && len(b.lines) > 1 {
		b.totalBytes -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
		b.dropped++
	}
}

// LastN returns up to n of the most recent lines.
func (b *OutputBuffer) LastN(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.lines) == 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// String returns the retained output, noting how many lines were dropped.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.Join(b.lines, "\n")
	if b.dropped > 0 {
		return fmt.Sprintf("[... %d earlier lines dropped ...]\n%s", b.dropped, s)
	}
	return s
}
