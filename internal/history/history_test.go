package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"deployer/internal/config"
	"deployer/internal/orchestrator"
	"deployer/internal/source"
)

func report(id string, start time.Time, failed bool) *orchestrator.RunReport {
	r := &orchestrator.RunReport{
		RunID:       id,
		Project:     "app",
		Task:        "deploy",
		Revision:    source.Revision{Kind: source.KindBranch, Ref: "main", Commit: "abc123"},
		Fingerprint: "00ff",
		StartedAt:   start,
		FinishedAt:  start.Add(30 * time.Second),
		Hosts: []*orchestrator.HostReport{
			{Host: "web1", Duration: 2 * time.Second},
		},
		Succeeded: []string{"web1"},
	}
	if failed {
		r.Hosts = append(r.Hosts, &orchestrator.HostReport{
			Host:     "web2",
			Duration: time.Second,
			Tasks:    []*orchestrator.TaskReport{{Task: "deploy:update_code", Status: orchestrator.StatusFailed}},
			Err:      errors.New("task deploy:update_code failed"),
		})
		r.Failed = []string{"web2"}
	}
	return r
}

func TestHookRecordsRunsInSQLite(t *testing.T) {
	cfg := config.History{DSN: filepath.Join(t.TempDir(), "state", "history.db")}
	hook := NewHook(cfg)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := hook.AfterRun(ctx, report("r1", start, false)); err != nil {
		t.Fatalf("AfterRun r1: %v", err)
	}
	if err := hook.AfterRun(ctx, report("r2", start.Add(time.Hour), true)); err != nil {
		t.Fatalf("AfterRun r2: %v", err)
	}

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	runs, err := s.Recent(ctx, "app", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" || runs[1].ID != "r1" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[0].Status != "failed" || runs[1].Status != "succeeded" {
		t.Fatalf("unexpected statuses %s %s", runs[0].Status, runs[1].Status)
	}
	if len(runs[0].Hosts) != 2 || runs[0].Hosts[1].FailedTask != "deploy:update_code" {
		t.Fatalf("unexpected hosts %+v", runs[0].Hosts)
	}
	if runs[1].Commit != "abc123" || !runs[1].StartedAt.Equal(start) {
		t.Fatalf("unexpected run %+v", runs[1])
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{postgres: true}
	if got := pg.rebind("SELECT ? , ?"); got != "SELECT $1 , $2" {
		t.Fatalf("rebind = %q", got)
	}
	lite := &Store{}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Fatalf("rebind = %q", got)
	}
}
