package remote

import (
	"sort"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// Command is a shell command described either as an argument list (quoted
// on render) or as a raw script fragment supplied by the user.
type Command struct {
	args   []string
	script string
	chain  []link
}

type link struct {
	op  string
	cmd Command
}

// Cmd builds a command from an argument list. Every argument is quoted when
// the command is rendered, so values never need manual escaping.
func Cmd(name string, args ...string) Command {
	return Command{args: append([]string{name}, args...)}
}

// Script wraps a raw shell fragment. It is rendered verbatim.
func Script(s string) Command {
	return Command{script: s}
}

// Then chains next to run only when c succeeds (&&).
func (c Command) Then(next Command) Command {
	out := c.clone()
	out.chain = append(out.chain, link{op: "&&", cmd: next})
	return out
}

// OrTrue makes the command always succeed (|| true).
func (c Command) OrTrue() Command {
	out := c.clone()
	out.chain = append(out.chain, link{op: "||", cmd: Cmd("true")})
	return out
}

// Args returns the argument list, or nil for a raw script.
func (c Command) Args() []string {
	if c.script != "" {
		return nil
	}
	out := make([]string, len(c.args))
	copy(out, c.args)
	return out
}

// Name returns the executable of an argv command, or "" for a script.
func (c Command) Name() string {
	if c.script != "" || len(c.args) == 0 {
		return ""
	}
	return c.args[0]
}

// IsZero reports whether c carries nothing to run.
func (c Command) IsZero() bool {
	return c.script == "" && len(c.args) == 0 && len(c.chain) == 0
}

func (c Command) clone() Command {
	out := Command{args: c.Args(), script: c.script}
	out.chain = append([]link(nil), c.chain...)
	return out
}

// String renders the command as a single shell line.
func (c Command) String() string {
	var b strings.Builder
	if c.script != "" {
		b.WriteString(c.script)
	} else {
		b.WriteString(shellquote.Join(c.args...))
	}
	for _, l := range c.chain {
		b.WriteString(" " + l.op + " ")
		b.WriteString(l.cmd.String())
	}
	return b.String()
}

// Render produces the full line executed by the remote shell, including the
// working directory change and environment exports from opts.
func Render(c Command, opts Options) string {
	var parts []string
	if opts.Dir != "" {
		parts = append(parts, "cd "+shellquote.Join(opts.Dir))
	}
	if len(opts.Env) > 0 {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		assigns := make([]string, 0, len(keys))
		for _, k := range keys {
			assigns = append(assigns, k+"="+shellquote.Join(opts.Env[k]))
		}
		parts = append(parts, "export "+strings.Join(assigns, " "))
	}
	line := c.String()
	if len(parts) == 0 {
		return line
	}
	// group the command so an || inside it cannot swallow a failed cd
	return strings.Join(parts, " && ") + " && { " + line + "; }"
}

// Quote quotes a single value for inclusion in a Script.
func Quote(s string) string {
	return shellquote.Join(s)
}
