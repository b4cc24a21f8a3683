// Package notify publishes a message to RabbitMQ when a run finishes.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"deployer/internal/config"
	"deployer/internal/orchestrator"
)

// Message types.
const (
	TypeSucceeded = "deploy.succeeded"
	TypeFailed    = "deploy.failed"
)

// Message is the published envelope.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   RunEvent  `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// RunEvent summarizes a run for consumers.
type RunEvent struct {
	RunID      string      `json:"run_id"`
	Project    string      `json:"project"`
	Task       string      `json:"task"`
	Ref        string      `json:"ref,omitempty"`
	Commit     string      `json:"commit,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Succeeded  []string    `json:"succeeded"`
	Failed     []string    `json:"failed"`
	Hosts      []HostEvent `json:"hosts"`
}

// HostEvent is the outcome on one host.
type HostEvent struct {
	Host       string `json:"host"`
	Status     string `json:"status"`
	FailedTask string `json:"failed_task,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// channel is the part of *amqp.Channel the hook uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type dialFunc func(url string) (channel, func() error, error)

func dialAMQP(url string) (channel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	closer := func() error {
		ch.Close()
		return conn.Close()
	}
	return ch, closer, nil
}

// AMQPHook publishes one persistent JSON message per run.
type AMQPHook struct {
	cfg  config.AMQP
	dial dialFunc
}

// NewAMQPHook returns a hook for cfg. It connects only when a run finishes.
func NewAMQPHook(cfg config.AMQP) *AMQPHook {
	return &AMQPHook{cfg: cfg, dial: dialAMQP}
}

func (h *AMQPHook) Name() string { return "amqp" }

// NewMessage builds the message for report.
func NewMessage(report *orchestrator.RunReport) *Message {
	ev := RunEvent{
		RunID:      report.RunID,
		Project:    report.Project,
		Task:       report.Task,
		Ref:        report.Revision.Ref,
		Commit:     report.Revision.Commit,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		Succeeded:  append([]string{}, report.Succeeded...),
		Failed:     append([]string{}, report.Failed...),
	}
	for _, hr := range report.Hosts {
		he := HostEvent{Host: hr.Host, Status: "succeeded", DurationMS: hr.Duration.Milliseconds()}
		if hr.Failed() {
			he.Status = "failed"
			he.Error = hr.Err.Error()
			if tr := hr.FailedTask(); tr != nil {
				he.FailedTask = tr.Task
			}
		}
		ev.Hosts = append(ev.Hosts, he)
	}
	typ := TypeSucceeded
	if !report.OK() {
		typ = TypeFailed
	}
	return &Message{ID: uuid.NewString(), Type: typ, Payload: ev, Timestamp: report.FinishedAt}
}

// AfterRun publishes the run outcome. The routing key defaults to the
// message type.
func (h *AMQPHook) AfterRun(ctx context.Context, report *orchestrator.RunReport) error {
	msg := NewMessage(report)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := h.cfg.RoutingKey
	if key == "" {
		key = msg.Type
	}

	ch, closeFn, err := h.dial(h.cfg.URL)
	if err != nil {
		return err
	}
	defer closeFn()

	err = ch.PublishWithContext(ctx, h.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         msg.Type,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", h.cfg.Exchange, key, err)
	}
	return nil
}
