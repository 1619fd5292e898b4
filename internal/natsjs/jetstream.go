// Package natsjs wraps NATS JetStream for the event feeds: index documents
// for the search consumer and task status updates.
package natsjs

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName holds every event the service emits.
	StreamName = "MAILVAULT"
	// SubjectPrefix scopes all subjects under one root so the stream config
	// can bind them with a single wildcard.
	SubjectPrefix = "mailvault"
)

// Publisher wraps NATS JetStream for publishing events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and returns a JetStream publisher.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAILVAULT stream exists.
func (p *Publisher) EnsureStream() error {
	streamInfo, err := p.js.StreamInfo(StreamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})

	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse || err.Error() == "stream name already in use" {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// Publish publishes a message with a msg id so JetStream deduplicates
// redelivery from the outbox dispatcher.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
