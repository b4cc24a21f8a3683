package release

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"deployer/internal/remote"
)

func cleanShared(p string) (string, error) {
	c := path.Clean(strings.TrimSpace(p))
	if c == "." || c == "" || path.IsAbs(c) || c == ".." || strings.HasPrefix(c, "../") {
		return "", errors.Errorf("shared path %q must be relative to the release", p)
	}
	return c, nil
}

// LinkShared replaces each shared directory and file inside r with a symlink
// to its canonical copy under shared/. Shared copies are created on first
// use; release copies are discarded.
func (m *Manager) LinkShared(ctx context.Context, r *Release, dirs, files []string) error {
	for _, d := range dirs {
		rel, err := cleanShared(d)
		if err != nil {
			return err
		}
		target := m.SharedDir() + "/" + rel
		link := r.Path + "/" + rel
		cmd := remote.Cmd("rm", "-rf", link).
			Then(remote.Cmd("mkdir", "-p", target, path.Dir(link))).
			Then(remote.Cmd("ln", "-nfs", target, link))
		if err := m.link(ctx, cmd, link); err != nil {
			return err
		}
	}
	for _, f := range files {
		rel, err := cleanShared(f)
		if err != nil {
			return err
		}
		target := m.SharedDir() + "/" + rel
		link := r.Path + "/" + rel
		cmd := remote.Cmd("rm", "-rf", link).
			Then(remote.Cmd("mkdir", "-p", path.Dir(link), path.Dir(target))).
			Then(remote.Cmd("touch", target)).
			Then(remote.Cmd("ln", "-nfs", target, link))
		if err := m.link(ctx, cmd, link); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) link(ctx context.Context, cmd remote.Command, link string) error {
	if _, err := m.sh.Run(ctx, cmd); err != nil {
		return errors.Wrapf(err, "failed to link shared path %s", link)
	}
	ok, err := m.sh.Test(ctx, remote.Cmd("test", "-L", link))
	if err != nil {
		return errors.Wrapf(err, "failed to verify %s", link)
	}
	if !ok {
		return errors.Errorf("%s is not a symlink after linking", link)
	}
	return nil
}
