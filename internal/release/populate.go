package release

import (
	"context"

	"github.com/pkg/errors"

	"deployer/internal/remote"
)

// Source describes where release code comes from.
type Source struct {
	Repository string
	Ref        string // branch or tag passed to `git clone -b`
	Commit     string // exact commit checked out after cloning, optional
	GitCache   bool   // reuse the previous release's objects
}

// PopulateResult tells how the release was filled.
type PopulateResult struct {
	Reference     string // release used as --reference, empty if none
	UsedReference bool
	FellBack      bool
}

func (s Source) cloneArgs(dest, reference string) []string {
	args := []string{"clone"}
	if s.Ref != "" {
		args = append(args, "-b", s.Ref)
	}
	if !s.GitCache && s.Commit == "" {
		args = append(args, "--depth", "1")
	}
	args = append(args, "--recursive", "-q")
	if reference != "" {
		args = append(args, "--reference", reference, "--dissociate")
	}
	return append(args, s.Repository, dest)
}

// Populate clones src into r. With GitCache set and a previous release
// available it first clones with that release as --reference; if that clone
// fails the partial directory is reset and a plain clone is done instead.
// The fallback is reported in the result, not as an error.
func (m *Manager) Populate(ctx context.Context, r *Release, src Source, previous *Release) (PopulateResult, error) {
	var res PopulateResult
	if src.Repository == "" {
		return res, errors.New("no repository configured")
	}

	if src.GitCache && previous != nil && previous.Path != r.Path {
		res.Reference = previous.Path
		_, err := m.sh.Run(ctx, remote.Cmd("git", src.cloneArgs(r.Path, previous.Path)...))
		if err == nil {
			res.UsedReference = true
			return res, m.checkout(ctx, r, src)
		}
		if _, ok := remote.AsCommandFailure(err); !ok {
			return res, errors.Wrapf(err, "failed to clone %s", src.Repository)
		}
		res.FellBack = true
		reset := remote.Cmd("rm", "-rf", r.Path).Then(remote.Cmd("mkdir", "-p", r.Path))
		if _, err := m.sh.Run(ctx, reset); err != nil {
			return res, errors.Wrapf(err, "failed to reset %s after reference clone", r.Path)
		}
	}

	if _, err := m.sh.Run(ctx, remote.Cmd("git", src.cloneArgs(r.Path, "")...)); err != nil {
		return res, errors.Wrapf(err, "failed to clone %s", src.Repository)
	}
	return res, m.checkout(ctx, r, src)
}

func (m *Manager) checkout(ctx context.Context, r *Release, src Source) error {
	if src.Commit == "" {
		return nil
	}
	cmd := remote.Cmd("git", "-C", r.Path, "checkout", "-q", src.Commit)
	if _, err := m.sh.Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to check out %s", src.Commit)
	}
	return nil
}
