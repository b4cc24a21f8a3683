// Package release manages the on-host release layout:
//
//	<root>/releases/<timestamp>[.<n>]/
//	<root>/shared/<path>
//	<root>/current   -> active release
//	<root>/release   -> release being prepared
//
// Every operation goes through a remote.Shell, so the same code drives SSH
// hosts and local directories.
package release

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"deployer/internal/remote"
)

// NameLayout is the time layout of release names.
const NameLayout = "20060102150405"

// DefaultMaxAttempts bounds the collision suffixes tried by Allocate.
const DefaultMaxAttempts = 42

// CompleteMarker is created inside a release when it is activated.
const CompleteMarker = ".deployer-complete"

// Status of a release on its host.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusStale   Status = "stale"
)

// Release is one directory under releases/.
type Release struct {
	Name      string
	Path      string
	CreatedAt time.Time
	Suffix    int
	Status    Status
}

var namePattern = regexp.MustCompile(`^(\d{14})(?:\.(\d+))?$`)

// ParseName splits a release directory name into its timestamp and suffix.
func ParseName(name string, loc *time.Location) (time.Time, int, bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, false
	}
	ts, err := time.ParseInLocation(NameLayout, m[1], loc)
	if err != nil {
		return time.Time{}, 0, false
	}
	suffix := 0
	if m[2] != "" {
		suffix, _ = strconv.Atoi(m[2])
	}
	return ts, suffix, true
}

// Manager drives the release state machine on one host.
type Manager struct {
	sh   *remote.Shell
	root string

	// Now is the clock used for release names.
	Now func() time.Time
	// Location is the timezone release names are written in.
	Location *time.Location
	// MaxAttempts is the number of ".n" suffixes tried after the bare name.
	MaxAttempts int
}

// NewManager returns a manager for the deploy root on sh's host.
func NewManager(sh *remote.Shell, root string) *Manager {
	return &Manager{
		sh:          sh,
		root:        strings.TrimRight(root, "/"),
		Now:         time.Now,
		Location:    time.UTC,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (m *Manager) Root() string { return m.root }
func (m *Manager) ReleasesDir() string { return m.root + "/releases" }
func (m *Manager) SharedDir() string { return m.root + "/shared" }
func (m *Manager) CurrentLink() string { return m.root + "/current" }
func (m *Manager) StagingLink() string { return m.root + "/release" }
func (m *Manager) ReleasePath(name string) string {
	return m.ReleasesDir() + "/" + name
}

// Prepare checks the remote shell and creates the deploy root with its
// releases/ and shared/ directories. It is idempotent.
func (m *Manager) Prepare(ctx context.Context) error {
	out, err := m.sh.Output(ctx, remote.Script("echo $0"))
	if err != nil {
		return errors.Wrap(err, "shell on the host is not POSIX-compliant; change it to sh or bash")
	}
	if out == "stdin: is not a tty" {
		return errors.New("looks like ssh inside another ssh: the remote shell is not interactive-safe")
	}
	cmd := remote.Cmd("mkdir", "-p", m.root, m.ReleasesDir(), m.SharedDir())
	if _, err := m.sh.Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to prepare %s", m.root)
	}
	return nil
}

// Allocate creates a fresh release directory named after the clock and points
// the staging link at it. A taken name gets ".1", ".2", ... appended, up to
// MaxAttempts suffixes. mkdir itself claims the name, so two concurrent
// allocations never share a directory.
func (m *Manager) Allocate(ctx context.Context) (*Release, error) {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	now := m.Now().In(loc)
	base := now.Format(NameLayout)

	for i := 0; i <= m.MaxAttempts; i++ {
		name := base
		if i > 0 {
			name = base + "." + strconv.Itoa(i)
		}
		p := m.ReleasePath(name)
		if _, err := m.sh.Run(ctx, remote.Cmd("mkdir", p)); err != nil {
			var failed *remote.CommandFailure
			if !errors.As(err, &failed) {
				return nil, errors.Wrapf(err, "failed to create release directory %s", p)
			}
			taken, terr := m.sh.Test(ctx, remote.Cmd("test", "-e", p))
			if terr != nil {
				return nil, errors.Wrapf(terr, "failed to check %s", p)
			}
			if taken {
				continue
			}
			return nil, errors.Wrapf(err, "failed to create release directory %s", p)
		}
		link := remote.Cmd("ln", "-sfn", p, m.StagingLink())
		if _, err := m.sh.Run(ctx, link); err != nil {
			return nil, errors.Wrapf(err, "failed to link %s", m.StagingLink())
		}
		ts, _, _ := ParseName(base, loc)
		return &Release{Name: name, Path: p, CreatedAt: ts, Suffix: i, Status: StatusPending}, nil
	}
	return nil, &AllocationError{Base: base, Attempts: m.MaxAttempts}
}

func (m *Manager) readLink(ctx context.Context, link string) (string, error) {
	isLink, err := m.sh.Test(ctx, remote.Cmd("test", "-h", link))
	if err != nil || !isLink {
		return "", err
	}
	return m.sh.Output(ctx, remote.Cmd("readlink", link))
}

func (m *Manager) releaseAt(target string) *Release {
	if target == "" {
		return nil
	}
	name := path.Base(target)
	ts, suffix, ok := ParseName(name, m.location())
	if !ok {
		return nil
	}
	return &Release{Name: name, Path: m.ReleasePath(name), CreatedAt: ts, Suffix: suffix}
}

func (m *Manager) location() *time.Location {
	if m.Location == nil {
		return time.UTC
	}
	return m.Location
}

// Current returns the active release, or nil when nothing is deployed.
func (m *Manager) Current(ctx context.Context) (*Release, error) {
	target, err := m.readLink(ctx, m.CurrentLink())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read current link")
	}
	r := m.releaseAt(target)
	if r != nil {
		r.Status = StatusActive
	}
	return r, nil
}

// Staged returns the release the staging link points at, or nil.
func (m *Manager) Staged(ctx context.Context) (*Release, error) {
	target, err := m.readLink(ctx, m.StagingLink())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read staging link")
	}
	r := m.releaseAt(target)
	if r != nil {
		r.Status = StatusPending
	}
	return r, nil
}

// List returns the releases on the host ordered oldest first by the
// timestamp embedded in their names, then by suffix.
func (m *Manager) List(ctx context.Context) ([]*Release, error) {
	exists, err := m.sh.Test(ctx, remote.Cmd("test", "-d", m.ReleasesDir()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to check releases directory")
	}
	if !exists {
		return nil, nil
	}
	out, err := m.sh.Output(ctx, remote.Cmd("ls", "-1", m.ReleasesDir()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list releases")
	}
	active, err := m.readLink(ctx, m.CurrentLink())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read current link")
	}
	staged, err := m.readLink(ctx, m.StagingLink())
	if err != nil {
		return nil, errors.Wrap(err, "failed to read staging link")
	}

	var releases []*Release
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		ts, suffix, ok := ParseName(name, m.location())
		if !ok {
			continue
		}
		r := &Release{Name: name, Path: m.ReleasePath(name), CreatedAt: ts, Suffix: suffix, Status: StatusStale}
		switch name {
		case path.Base(active):
			r.Status = StatusActive
		case path.Base(staged):
			r.Status = StatusPending
		}
		releases = append(releases, r)
	}
	sortReleases(releases)
	return releases, nil
}

func sortReleases(rs []*Release) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].Suffix < rs[j].Suffix
	})
}

// Activate atomically points current at r and drops the staging link. The
// new link is created beside current and renamed over it, so readers always
// see either the previous or the new release. r is marked complete first,
// which makes it a rollback target.
func (m *Manager) Activate(ctx context.Context, r *Release) error {
	tmp := m.CurrentLink() + ".tmp"
	swap := remote.Cmd("touch", r.Path+"/"+CompleteMarker).
		Then(remote.Cmd("ln", "-sfn", r.Path, tmp)).
		Then(remote.Cmd("mv", "-fT", tmp, m.CurrentLink()))
	if _, err := m.sh.Run(ctx, swap); err != nil {
		return errors.Wrapf(err, "failed to activate %s", r.Name)
	}
	if _, err := m.sh.Run(ctx, remote.Cmd("rm", "-f", m.StagingLink())); err != nil {
		return errors.Wrap(err, "failed to remove staging link")
	}
	r.Status = StatusActive
	return nil
}

// Complete reports whether r was activated at least once. Releases left
// behind by a failed run never are.
func (m *Manager) Complete(ctx context.Context, r *Release) (bool, error) {
	ok, err := m.sh.Test(ctx, remote.Cmd("test", "-f", r.Path+"/"+CompleteMarker))
	if err != nil {
		return false, errors.Wrapf(err, "failed to inspect %s", r.Name)
	}
	return ok, nil
}

// Rollback activates the newest complete release older than the active one.
// Orphaned releases from failed runs are skipped.
func (m *Manager) Rollback(ctx context.Context) (*Release, error) {
	releases, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for i, r := range releases {
		if r.Status != StatusActive {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			prev := releases[j]
			ok, err := m.Complete(ctx, prev)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := m.Activate(ctx, prev); err != nil {
				return nil, err
			}
			return prev, nil
		}
		return nil, errors.Errorf("no complete release older than %s to roll back to", r.Name)
	}
	return nil, errors.New("no active release to roll back from")
}
