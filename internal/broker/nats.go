// Package broker publishes committed audit events to NATS so other
// services can react to task lifecycle changes.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"valeconecta/internal/domain"
)

const DefaultSubjectPrefix = "valeconecta.events"

// Conn is the part of *nats.Conn used by Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements events.Publisher over NATS core publish.
type Publisher struct {
	Conn   Conn
	Prefix string
	nc     *nats.Conn
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("valeconecta"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &Publisher{Conn: nc, Prefix: prefix, nc: nc}, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(evtType string) string {
	prefix := p.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + evtType
}

func (p *Publisher) Publish(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.Conn.Publish(p.Subject(evt.Type), data)
}

// Close drains the connection if this publisher opened it.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
