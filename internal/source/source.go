// Package source pins a branch, tag or commit of the application repository
// to one revision per run, so every host deploys the same code.
package source

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	gitssh "gopkg.in/src-d/go-git.v4/plumbing/transport/ssh"
	"gopkg.in/src-d/go-git.v4/storage/memory"
)

// Kind tells what a requested revision named.
type Kind string

const (
	KindBranch Kind = "branch"
	KindTag    Kind = "tag"
	KindCommit Kind = "commit"
	KindHead   Kind = "head"
)

// Revision is a resolved request.
type Revision struct {
	Kind   Kind
	Ref    string // branch or tag name, empty for commits and HEAD
	Commit string // hash the ref pointed at when resolved
}

// Pinned reports whether hosts must check out Commit after cloning. Tags are
// treated as immutable and cloned by name.
func (r Revision) Pinned() bool {
	return r.Commit != "" && r.Kind != KindTag
}

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Resolver lists remote references without cloning.
type Resolver struct {
	auth transport.AuthMethod
	list func(url string, auth transport.AuthMethod) ([]*plumbing.Reference, error)
}

// NewResolver returns a resolver. identityFile, when set, is used for SSH
// remotes; otherwise go-git falls back to the SSH agent.
func NewResolver(identityFile string) (*Resolver, error) {
	r := &Resolver{list: listRemote}
	if identityFile != "" {
		auth, err := gitssh.NewPublicKeysFromFile("git", identityFile, "")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load git identity %s", identityFile)
		}
		r.auth = auth
	}
	return r, nil
}

func listRemote(url string, auth transport.AuthMethod) ([]*plumbing.Reference, error) {
	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	return rem.List(&git.ListOptions{Auth: auth})
}

// Resolve looks ref up on repository. An empty ref resolves the remote HEAD;
// a full commit hash is returned as-is without contacting the remote.
func (r *Resolver) Resolve(ctx context.Context, repository, ref string) (Revision, error) {
	if commitPattern.MatchString(ref) {
		return Revision{Kind: KindCommit, Commit: ref}, nil
	}
	if err := ctx.Err(); err != nil {
		return Revision{}, err
	}
	refs, err := r.list(repository, r.auth)
	if err != nil {
		return Revision{}, errors.Wrapf(err, "failed to list references of %s", repository)
	}
	return Match(refs, ref)
}

// Match finds ref among advertised references. Branches win over tags of the
// same name, as with git clone -b.
func Match(refs []*plumbing.Reference, ref string) (Revision, error) {
	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, r := range refs {
		byName[r.Name()] = r
	}
	hashOf := func(name plumbing.ReferenceName) (string, bool) {
		for i := 0; i < 5; i++ {
			r, ok := byName[name]
			if !ok {
				return "", false
			}
			if r.Type() == plumbing.HashReference {
				return r.Hash().String(), true
			}
			name = r.Target()
		}
		return "", false
	}

	if ref == "" {
		if h, ok := hashOf(plumbing.HEAD); ok {
			return Revision{Kind: KindHead, Commit: h}, nil
		}
		return Revision{}, errors.New("remote does not advertise HEAD")
	}
	short := strings.TrimPrefix(strings.TrimPrefix(ref, "refs/heads/"), "refs/tags/")
	if h, ok := hashOf(plumbing.NewBranchReferenceName(short)); ok {
		return Revision{Kind: KindBranch, Ref: short, Commit: h}, nil
	}
	if h, ok := hashOf(plumbing.NewTagReferenceName(short)); ok {
		return Revision{Kind: KindTag, Ref: short, Commit: h}, nil
	}
	return Revision{}, errors.Errorf("reference %q not found on remote", ref)
}
