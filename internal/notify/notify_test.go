package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"deployer/internal/config"
	"deployer/internal/orchestrator"
	"deployer/internal/source"
)

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
	err           error
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func failedReport() *orchestrator.RunReport {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return &orchestrator.RunReport{
		RunID:      "run-1",
		Project:    "app",
		Task:       "deploy",
		Revision:   source.Revision{Kind: source.KindBranch, Ref: "main", Commit: "abc"},
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Hosts: []*orchestrator.HostReport{
			{Host: "web1", Tasks: []*orchestrator.TaskReport{{Task: "deploy:vendors", Status: orchestrator.StatusSuccess}}},
			{
				Host:  "web2",
				Tasks: []*orchestrator.TaskReport{{Task: "deploy:vendors", Status: orchestrator.StatusFailed}},
				Err:   errors.New("task deploy:vendors failed: exit 1"),
			},
		},
		Succeeded: []string{"web1"},
		Failed:    []string{"web2"},
	}
}

func TestAfterRunPublishesFailure(t *testing.T) {
	ch := &fakeChannel{}
	closed := false
	h := &AMQPHook{
		cfg: config.AMQP{URL: "amqp://localhost", Exchange: "deploys"},
		dial: func(url string) (channel, func() error, error) {
			return ch, func() error { closed = true; return nil }, nil
		},
	}
	if err := h.AfterRun(context.Background(), failedReport()); err != nil {
		t.Fatalf("AfterRun failed: %v", err)
	}
	if !closed {
		t.Fatalf("connection not closed")
	}
	if ch.exchange != "deploys" || ch.key != TypeFailed {
		t.Fatalf("published to %s/%s", ch.exchange, ch.key)
	}
	if ch.msg.DeliveryMode != amqp.Persistent {
		t.Fatalf("message should be persistent")
	}
	var msg Message
	if err := json.Unmarshal(ch.msg.Body, &msg); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if msg.Payload.RunID != "run-1" || len(msg.Payload.Hosts) != 2 {
		t.Fatalf("unexpected payload %+v", msg.Payload)
	}
	web2 := msg.Payload.Hosts[1]
	if web2.Status != "failed" || web2.FailedTask != "deploy:vendors" {
		t.Fatalf("unexpected host event %+v", web2)
	}
}

func TestAfterRunUsesConfiguredRoutingKey(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	h := &AMQPHook{
		cfg: config.AMQP{RoutingKey: "ci.deploys"},
		dial: func(string) (channel, func() error, error) {
			return ch, func() error { return nil }, nil
		},
	}
	err := h.AfterRun(context.Background(), failedReport())
	if err == nil || ch.key != "ci.deploys" {
		t.Fatalf("expected publish error on ci.deploys, got %v (%s)", err, ch.key)
	}
}
