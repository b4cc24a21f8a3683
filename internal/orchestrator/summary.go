package orchestrator

import (
	"strings"
	"time"

	"deployer/internal/remote"
	"deployer/internal/util"
)

// summaryLines is how much captured output is shown for a failed task.
const summaryLines = 20

// PrintSummary writes the per-host outcome of a run, including the captured
// output of every failed task.
func PrintSummary(p *util.Printer, report *RunReport) {
	p.Println()
	p.Printf("📊 Run %s: %s on %d host(s) in %s\n", report.RunID, report.Task, len(report.Hosts), report.Duration().Round(time.Millisecond))
	for _, hr := range report.Hosts {
		counts := hr.Counts()
		if !hr.Failed() {
			p.Printf("  ✅ %s: %d succeeded, %d skipped\n", hr.Host, counts[StatusSuccess], counts[StatusSkipped])
			continue
		}
		p.Printf("  ❌ %s: %v\n", hr.Host, hr.Err)
		tr := hr.FailedTask()
		if tr == nil {
			continue
		}
		out := tr.Output
		if out == "" {
			out = remote.CapturedOutput(tr.Err)
		}
		lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
		if len(lines) > summaryLines {
			lines = lines[len(lines)-summaryLines:]
		}
		for _, l := range lines {
			if l != "" {
				p.Printf("     │ %s\n", l)
			}
		}
	}
	if report.OK() {
		p.Printf("🎉 All hosts succeeded\n")
	} else {
		p.Printf("💥 Failed hosts: %s\n", strings.Join(report.Failed, ", "))
	}
}
