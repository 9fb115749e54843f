package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream holding settlement intents.
const StreamName = "LEDGER_INTENTS"

// NATSPublisher publishes intents to JetStream on <subject>.<kind>.
// The intent ID is the message ID, so JetStream drops duplicates within
// the stream's dedup window.
type NATSPublisher struct {
	js      jetstream.JetStream
	subject string
}

func NewNATSPublisher(js jetstream.JetStream, subject string) *NATSPublisher {
	return &NATSPublisher{js: js, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, intent *Intent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.subject, intent.Kind)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(intent.ID)); err != nil {
		return fmt.Errorf("publish intent %s: %w", intent.ID, err)
	}
	return nil
}

// EnsureStream creates or updates the intent stream for subject.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, subject string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create intent stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("ledger-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
