package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deployer/internal/remote"
)

// interceptExecutor runs commands locally unless intercept handles them.
type interceptExecutor struct {
	*remote.LocalExecutor
	mu        sync.Mutex
	commands  []string
	intercept func(cmd remote.Command) (bool, *remote.Result, error)
}

func (e *interceptExecutor) Execute(ctx context.Context, cmd remote.Command, opts remote.Options) (*remote.Result, error) {
	e.mu.Lock()
	e.commands = append(e.commands, cmd.String())
	e.mu.Unlock()
	if e.intercept != nil {
		if handled, res, err := e.intercept(cmd); handled {
			return res, err
		}
	}
	return e.LocalExecutor.Execute(ctx, cmd, opts)
}

func (e *interceptExecutor) ran(substr string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.commands {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func failure(cmd remote.Command, code int) (bool, *remote.Result, error) {
	res := &remote.Result{ExitCode: code, Stderr: "simulated failure"}
	return true, res, &remote.CommandFailure{Host: "test", Command: cmd.String(), ExitCode: code, Stderr: res.Stderr}
}

func newTestManager(t *testing.T, exec remote.Executor) (*Manager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "app")
	m := NewManager(remote.NewShell(exec, 10*time.Second), root)
	var tick int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}
	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	return m, root
}

func TestPrepareIsIdempotent(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	if err := m.Prepare(context.Background()); err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}
	for _, d := range []string{"releases", "shared"} {
		if fi, err := os.Stat(filepath.Join(root, d)); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s directory: %v", d, err)
		}
	}
}

func TestAllocateCollisionSuffixes(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return fixed }
	m.MaxAttempts = 2
	ctx := context.Background()

	expected := []string{"20240301120000", "20240301120000.1", "20240301120000.2"}
	for _, name := range expected {
		r, err := m.Allocate(ctx)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if r.Name != name {
			t.Fatalf("allocated %q, expected %q", r.Name, name)
		}
		if fi, err := os.Stat(r.Path); err != nil || !fi.IsDir() {
			t.Fatalf("release directory missing: %v", err)
		}
		target, _ := os.Readlink(filepath.Join(root, "release"))
		if target != r.Path {
			t.Fatalf("staging link = %q, expected %q", target, r.Path)
		}
	}

	_, err := m.Allocate(ctx)
	var alloc *AllocationError
	if !errors.As(err, &alloc) {
		t.Fatalf("expected AllocationError, got %v", err)
	}
}

func TestAllocateRetriesWhenNameIsTakenAtMkdir(t *testing.T) {
	exec := &interceptExecutor{LocalExecutor: remote.NewLocalExecutor("test")}
	m, root := newTestManager(t, exec)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return fixed }
	taken := filepath.Join(root, "releases", "20240301120000")
	exec.intercept = func(cmd remote.Command) (bool, *remote.Result, error) {
		if cmd.String() != remote.Cmd("mkdir", taken).String() {
			return false, nil, nil
		}
		// another deploy claims the name first
		if err := os.Mkdir(taken, 0o755); err != nil {
			t.Fatal(err)
		}
		return failure(cmd, 1)
	}

	r, err := m.Allocate(context.Background())
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if r.Name != "20240301120000.1" {
		t.Fatalf("allocated %q, expected the next suffix", r.Name)
	}
}

func TestAllocateReportsMkdirFailure(t *testing.T) {
	exec := &interceptExecutor{LocalExecutor: remote.NewLocalExecutor("test")}
	m, _ := newTestManager(t, exec)
	exec.intercept = func(cmd remote.Command) (bool, *remote.Result, error) {
		if strings.HasPrefix(cmd.String(), "mkdir ") {
			return failure(cmd, 1)
		}
		return false, nil, nil
	}
	before := exec.ran("mkdir ")
	_, err := m.Allocate(context.Background())
	var alloc *AllocationError
	if err == nil || errors.As(err, &alloc) {
		t.Fatalf("expected the mkdir failure, got %v", err)
	}
	if exec.ran("mkdir ")-before != 1 {
		t.Fatalf("a free name that cannot be created should not be retried")
	}
}

func TestListOrdersByNameNotMtime(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	names := []string{"20240301120005", "20240301120000.2", "20240301120000", "20240301120000.10", "notarelease"}
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(root, "releases", n), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	releases, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var got []string
	for _, r := range releases {
		got = append(got, r.Name)
	}
	expected := "20240301120000 20240301120000.2 20240301120000.10 20240301120005"
	if strings.Join(got, " ") != expected {
		t.Fatalf("List = %v, expected %s", got, expected)
	}
}

func TestActivateIsAtomic(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	first, err := m.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, first); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}

	current := filepath.Join(root, "current")
	stop := make(chan struct{})
	var bad atomic.Value
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			target, err := os.Readlink(current)
			if err != nil {
				bad.Store(fmt.Sprintf("readlink failed: %v", err))
				return
			}
			if !strings.HasPrefix(target, filepath.Join(root, "releases")+"/") {
				bad.Store("unexpected target " + target)
				return
			}
		}
	}()

	var last *Release
	for i := 0; i < 15; i++ {
		r, err := m.Allocate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if err := m.Activate(ctx, r); err != nil {
			t.Fatalf("Activate failed: %v", err)
		}
		last = r
	}
	close(stop)
	wg.Wait()
	if v := bad.Load(); v != nil {
		t.Fatalf("reader observed an intermediate state: %v", v)
	}

	target, _ := os.Readlink(current)
	if target != last.Path {
		t.Fatalf("current = %q, expected %q", target, last.Path)
	}
	if _, err := os.Lstat(filepath.Join(root, "release")); !os.IsNotExist(err) {
		t.Fatalf("staging link should be removed after activation")
	}
}

func TestLinkSharedReplacesReleaseCopies(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	r, err := m.Allocate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	os.MkdirAll(filepath.Join(r.Path, "web", "uploads"), 0o755)
	os.WriteFile(filepath.Join(r.Path, "web", "uploads", "stale.txt"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(r.Path, "app", "config"), 0o755)
	os.WriteFile(filepath.Join(r.Path, "app", "config", "parameters.yml"), []byte("release copy"), 0o644)

	dirs := []string{"web/uploads", "app/logs"}
	files := []string{"app/config/parameters.yml"}
	if err := m.LinkShared(ctx, r, dirs, files); err != nil {
		t.Fatalf("LinkShared failed: %v", err)
	}

	for _, p := range append(dirs, files...) {
		link := filepath.Join(r.Path, p)
		fi, err := os.Lstat(link)
		if err != nil {
			t.Fatalf("lstat %s: %v", p, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			t.Fatalf("%s is not a symlink", p)
		}
		target, _ := os.Readlink(link)
		if target != filepath.Join(root, "shared", p) {
			t.Fatalf("%s links to %q", p, target)
		}
		if _, err := os.Stat(link); err != nil {
			t.Fatalf("%s does not resolve: %v", p, err)
		}
	}

	if err := m.LinkShared(ctx, r, []string{"../escape"}, nil); err == nil {
		t.Fatalf("expected error for a path outside the release")
	}
}

func TestCleanupRetention(t *testing.T) {
	for keep := 0; keep <= 5; keep++ {
		t.Run(fmt.Sprintf("keep=%d", keep), func(t *testing.T) {
			m, _ := newTestManager(t, remote.NewLocalExecutor("test"))
			ctx := context.Background()
			var all []*Release
			for i := 0; i < 6; i++ {
				r, err := m.Allocate(ctx)
				if err != nil {
					t.Fatal(err)
				}
				all = append(all, r)
			}
			// an older release is live, as after a rollback
			if err := m.Activate(ctx, all[2]); err != nil {
				t.Fatal(err)
			}

			report, err := m.Cleanup(ctx, keep, 0)
			if err != nil {
				t.Fatalf("Cleanup failed: %v", err)
			}
			if len(report.Failed) != 0 {
				t.Fatalf("unexpected failures: %v", report.Failed)
			}
			left, _ := m.List(ctx)
			nonActive := 0
			activeKept := false
			for _, r := range left {
				if r.Status == StatusActive {
					activeKept = r.Name == all[2].Name
					continue
				}
				nonActive++
			}
			if !activeKept {
				t.Fatalf("active release was removed")
			}
			if nonActive > keep {
				t.Fatalf("retained %d non-active releases with keep=%d", nonActive, keep)
			}
			if want := min(keep, 5); nonActive != want {
				t.Fatalf("retained %d non-active releases, expected %d", nonActive, want)
			}
		})
	}
}

func TestCleanupKeepsPendingRelease(t *testing.T) {
	m, _ := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	old, _ := m.Allocate(ctx)
	if err := m.Activate(ctx, old); err != nil {
		t.Fatal(err)
	}
	stale, _ := m.Allocate(ctx)
	pending, _ := m.Allocate(ctx)

	report, err := m.Cleanup(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != stale.Name {
		t.Fatalf("removed %v, expected only %s", report.Removed, stale.Name)
	}
	if _, err := os.Stat(pending.Path); err != nil {
		t.Fatalf("release being prepared was removed: %v", err)
	}
}

func TestRetainedWindow(t *testing.T) {
	var rs []*Release
	for i := 0; i < 5; i++ {
		rs = append(rs, &Release{Name: fmt.Sprintf("r%d", i), Status: StatusStale})
	}
	rs[0].Status = StatusActive
	got := Retained(rs, 1, 2)
	for _, n := range []string{"r0", "r4", "r3", "r2"} {
		if !got[n] {
			t.Fatalf("expected %s to be retained: %v", n, got)
		}
	}
	if got["r1"] {
		t.Fatalf("r1 should be removed: %v", got)
	}
	if all := Retained(rs, -1, 0); len(all) != 5 {
		t.Fatalf("negative keep should retain everything")
	}
}

func TestCleanupContinuesOnError(t *testing.T) {
	exec := &interceptExecutor{LocalExecutor: remote.NewLocalExecutor("test")}
	m, _ := newTestManager(t, exec)
	ctx := context.Background()
	var all []*Release
	for i := 0; i < 4; i++ {
		r, err := m.Allocate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, r)
	}
	m.Activate(ctx, all[3])

	exec.intercept = func(cmd remote.Command) (bool, *remote.Result, error) {
		if cmd.Name() == "rm" && strings.Contains(cmd.String(), all[0].Name) {
			return failure(cmd, 1)
		}
		return false, nil, nil
	}
	report, err := m.Cleanup(ctx, 0, 0)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0].Name != all[0].Name {
		t.Fatalf("expected one failure for %s, got %+v", all[0].Name, report.Failed)
	}
	if len(report.Removed) != 2 {
		t.Fatalf("expected the other two stale releases removed, got %v", report.Removed)
	}
}

func TestCleanupRemovesDanglingStagingLink(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	live, _ := m.Allocate(ctx)
	m.Activate(ctx, live)
	orphan, _ := m.Allocate(ctx)

	if _, err := m.Cleanup(ctx, 0, 0); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(orphan.Path); !os.IsNotExist(err) {
		t.Fatalf("orphaned release should be removed")
	}
	if _, err := os.Lstat(filepath.Join(root, "release")); !os.IsNotExist(err) {
		t.Fatalf("dangling staging link should be removed")
	}
}

func TestPopulateFallsBackToFullClone(t *testing.T) {
	exec := &interceptExecutor{LocalExecutor: remote.NewLocalExecutor("test")}
	exec.intercept = func(cmd remote.Command) (bool, *remote.Result, error) {
		if cmd.Name() != "git" {
			return false, nil, nil
		}
		if strings.Contains(cmd.String(), "--reference") {
			return failure(cmd, 128)
		}
		return true, &remote.Result{}, nil
	}
	m, _ := newTestManager(t, exec)
	ctx := context.Background()
	prev, _ := m.Allocate(ctx)
	r, _ := m.Allocate(ctx)

	res, err := m.Populate(ctx, r, Source{Repository: "git@example.com:app.git", Ref: "main", GitCache: true}, prev)
	if err != nil {
		t.Fatalf("fallback should not surface as an error: %v", err)
	}
	if !res.FellBack || res.UsedReference {
		t.Fatalf("unexpected result %+v", res)
	}
	if exec.ran("--reference") != 1 || exec.ran("git clone -b main --recursive -q git@example.com:app.git") != 1 {
		t.Fatalf("unexpected clone commands: %v", exec.commands)
	}
}

func TestPopulateShallowWithoutCache(t *testing.T) {
	exec := &interceptExecutor{LocalExecutor: remote.NewLocalExecutor("test")}
	exec.intercept = func(cmd remote.Command) (bool, *remote.Result, error) {
		if cmd.Name() == "git" {
			return true, &remote.Result{}, nil
		}
		return false, nil, nil
	}
	m, _ := newTestManager(t, exec)
	ctx := context.Background()
	r, _ := m.Allocate(ctx)

	res, err := m.Populate(ctx, r, Source{Repository: "repo", Ref: "v1.2.0"}, nil)
	if err != nil || res.FellBack || res.UsedReference {
		t.Fatalf("unexpected result %+v, %v", res, err)
	}
	if exec.ran("git clone -b v1.2.0 --depth 1 --recursive -q repo") != 1 {
		t.Fatalf("expected shallow clone, got %v", exec.commands)
	}
}

type fakeStrategy struct {
	name       string
	applicable bool
	err        error
	applied    *[]string
}

func (f fakeStrategy) Name() string { return f.name }
func (f fakeStrategy) Applicable(context.Context, *remote.Shell, WritableRequest) (bool, error) {
	return f.applicable, nil
}
func (f fakeStrategy) Apply(context.Context, *remote.Shell, WritableRequest) error {
	*f.applied = append(*f.applied, f.name)
	return f.err
}

func TestMakeWritableFallsThroughStrategies(t *testing.T) {
	m, _ := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	r, _ := m.Allocate(ctx)
	req := WritableRequest{Dirs: []string{"var/cache"}}

	var applied []string
	strategies := []Strategy{
		fakeStrategy{name: "acl", applicable: false, applied: &applied},
		fakeStrategy{name: "setfacl", applicable: true, err: errors.New("denied"), applied: &applied},
		fakeStrategy{name: "chmod", applicable: true, applied: &applied},
	}
	used, err := m.MakeWritable(ctx, r, req, strategies)
	if err != nil {
		t.Fatalf("MakeWritable failed: %v", err)
	}
	if used != "chmod" || strings.Join(applied, ",") != "setfacl,chmod" {
		t.Fatalf("used %q after %v", used, applied)
	}

	applied = nil
	strategies = strategies[:2]
	_, err = m.MakeWritable(ctx, r, req, strategies)
	var perm *PermissionSetupError
	if !errors.As(err, &perm) || len(perm.Attempts) != 1 {
		t.Fatalf("expected PermissionSetupError, got %v", err)
	}

	if used, err := m.MakeWritable(ctx, r, WritableRequest{}, strategies); used != "" || err != nil {
		t.Fatalf("empty dir list should be a no-op: %q %v", used, err)
	}
}

func TestChmodAllMakesDirsWritable(t *testing.T) {
	m, _ := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	r, _ := m.Allocate(ctx)
	os.MkdirAll(filepath.Join(r.Path, "var", "logs"), 0o755)

	used, err := m.MakeWritable(ctx, r, WritableRequest{Dirs: []string{"var/logs"}}, []Strategy{ChmodAll{}})
	if err != nil || used != "chmod 777" {
		t.Fatalf("MakeWritable = %q, %v", used, err)
	}
	fi, _ := os.Stat(filepath.Join(r.Path, "var", "logs"))
	if fi.Mode().Perm() != 0o777 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
}

func TestRollback(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	a, _ := m.Allocate(ctx)
	m.Activate(ctx, a)
	b, _ := m.Allocate(ctx)
	m.Activate(ctx, b)

	prev, err := m.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if prev.Name != a.Name {
		t.Fatalf("rolled back to %s, expected %s", prev.Name, a.Name)
	}
	target, _ := os.Readlink(filepath.Join(root, "current"))
	if target != a.Path {
		t.Fatalf("current = %q", target)
	}
	if _, err := m.Rollback(ctx); err == nil {
		t.Fatalf("expected error rolling back past the oldest release")
	}
}

func TestRollbackSkipsOrphanedRelease(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	good, _ := m.Allocate(ctx)
	if err := m.Activate(ctx, good); err != nil {
		t.Fatal(err)
	}
	orphan, _ := m.Allocate(ctx)
	latest, _ := m.Allocate(ctx)
	if err := m.Activate(ctx, latest); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.Complete(ctx, orphan); ok {
		t.Fatalf("orphan %s should not be complete", orphan.Name)
	}

	prev, err := m.Rollback(ctx)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if prev.Name != good.Name {
		t.Fatalf("rolled back to %s (orphan %s), expected %s", prev.Name, orphan.Name, good.Name)
	}
	target, _ := os.Readlink(filepath.Join(root, "current"))
	if target != good.Path {
		t.Fatalf("current = %q, expected %q", target, good.Path)
	}
}

func TestRollbackWithOnlyOrphansFails(t *testing.T) {
	m, root := newTestManager(t, remote.NewLocalExecutor("test"))
	ctx := context.Background()
	m.Allocate(ctx)
	latest, _ := m.Allocate(ctx)
	if err := m.Activate(ctx, latest); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Rollback(ctx); err == nil {
		t.Fatalf("expected error when no complete release precedes the active one")
	}
	target, _ := os.Readlink(filepath.Join(root, "current"))
	if target != latest.Path {
		t.Fatalf("current moved to %q after a failed rollback", target)
	}
}
