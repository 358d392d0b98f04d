// Package notify publishes master build events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/etsy/jenkins-master-project/pkg/model"
)

// EventType names a published event.
type EventType string

const (
	// EventCompleted is published when a master build finishes.
	EventCompleted EventType = "master_build.completed"
	// EventRebuildImproved is published when a rebuild raises the aggregate result.
	EventRebuildImproved EventType = "master_build.rebuild_improved"
)

// Event is the JSON payload published for a master build.
type Event struct {
	Type           EventType    `json:"type"`
	MasterBuildID  string       `json:"master_build_id"`
	Project        string       `json:"project"`
	Number         int          `json:"number"`
	Result         model.Result `json:"result"`
	PreviousResult model.Result `json:"previous_result,omitempty"`
	SubProject     string       `json:"sub_project,omitempty"`
	BuildNumber    int          `json:"build_number,omitempty"`
	BuildURL       string       `json:"build_url,omitempty"`
	Time           time.Time    `json:"time"`
}

// Notifier delivers events. Delivery failures are reported but must never
// affect a master build.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Publisher is the part of *nats.Conn the NATS notifier uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on one subject. Events with a type are published on
// "<subject>.<type>".
type NATS struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// DialNATS connects to url and returns a notifier publishing under subject.
func DialNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("masterbuild"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATS(conn, subject, logger)
	n.conn = conn
	n.logger.Info("NATS notifier connected", "url", url, "subject", subject)
	return n, nil
}

// NewNATS wraps an existing publisher.
func NewNATS(pub Publisher, subject string, logger *slog.Logger) *NATS {
	return &NATS{pub: pub, subject: subject, logger: logger.With("component", "notify")}
}

// Notify publishes ev.
func (n *NATS) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := n.subject
	if ev.Type != "" {
		subject += "." + string(ev.Type)
	}
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.logger.Debug("event published", "subject", subject, "master_build_id", ev.MasterBuildID)
	return nil
}

// Close drains the connection opened by DialNATS.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}
