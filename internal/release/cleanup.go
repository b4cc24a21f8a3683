package release

import (
	"context"

	"github.com/pkg/errors"

	"deployer/internal/remote"
)

// CleanupFailure is a release that could not be removed.
type CleanupFailure struct {
	Name string
	Err  error
}

// CleanupReport lists what Cleanup removed and what it could not.
type CleanupReport struct {
	Kept    []string
	Removed []string
	Failed  []CleanupFailure
}

// Retained decides which releases survive cleanup. The active release, the
// pending release behind the staging link and the window newest releases are
// always kept; beyond those, the keep newest
// non-active releases are kept. A negative keep retains everything. releases
// must be ordered oldest first.
func Retained(releases []*Release, keep, window int) map[string]bool {
	retain := make(map[string]bool, len(releases))
	if keep < 0 {
		for _, r := range releases {
			retain[r.Name] = true
		}
		return retain
	}
	kept := 0
	for i := len(releases) - 1; i >= 0; i-- {
		r := releases[i]
		newest := len(releases) - 1 - i
		switch {
		case r.Status == StatusActive, r.Status == StatusPending:
			retain[r.Name] = true
		case newest < window:
			retain[r.Name] = true
		case kept < keep:
			retain[r.Name] = true
			kept++
		}
	}
	return retain
}

// Cleanup removes releases not retained by keep and window, oldest first.
// A failed removal is recorded and the next release is still attempted. A
// staging link whose target is gone is removed as well.
func (m *Manager) Cleanup(ctx context.Context, keep, window int) (*CleanupReport, error) {
	releases, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &CleanupReport{}
	retain := Retained(releases, keep, window)
	for _, r := range releases {
		if retain[r.Name] {
			report.Kept = append(report.Kept, r.Name)
			continue
		}
		if _, err := m.sh.Run(ctx, remote.Cmd("rm", "-rf", r.Path)); err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed = append(report.Failed, CleanupFailure{Name: r.Name, Err: err})
			continue
		}
		report.Removed = append(report.Removed, r.Name)
	}

	dangling, err := m.sh.Test(ctx, remote.Cmd("test", "-h", m.StagingLink()).Then(remote.Script("! test -e "+remote.Quote(m.StagingLink()))))
	if err != nil {
		return report, errors.Wrap(err, "failed to inspect staging link")
	}
	if dangling {
		if _, err := m.sh.Run(ctx, remote.Cmd("rm", "-f", m.StagingLink())); err != nil {
			return report, errors.Wrap(err, "failed to remove staging link")
		}
	}
	return report, nil
}
