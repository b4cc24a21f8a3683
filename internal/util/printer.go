package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Printer serializes console output from concurrent host workers so lines
// never interleave mid-way.
type Printer struct {
	mu        sync.Mutex
	out       io.Writer
	suspended bool
}

var Default = NewPrinter(os.Stdout)

// NewPrinter returns a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

// SetOutput redirects the printer, mostly for tests.
func (p *Printer) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = w
}

func (p *Printer) write(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		return
	}
	fmt.Fprint(p.out, msg)
}

func (p *Printer) Print(a ...interface{}) {
	p.write(fmt.Sprint(a...))
}

func (p *Printer) Printf(format string, a ...interface{}) {
	p.write(fmt.Sprintf(format, a...))
}

func (p *Printer) Println(a ...interface{}) {
	p.write(fmt.Sprintln(a...))
}

// Hostf prints a line prefixed with the host name. Multi-line messages get
// the prefix on every line.
func (p *Printer) Hostf(host, format string, a ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, a...), "\n")
	var b strings.Builder
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(&b, "[%s] %s\n", host, line)
	}
	p.write(b.String())
}

// Suspend drops output until Resume, e.g. while an interactive prompt owns
// the terminal.
func (p *Printer) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

func (p *Printer) Resume() {
	p.mu.Lock()
	p.suspended = false
	p.mu.Unlock()
}
