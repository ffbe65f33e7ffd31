package natsjs

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultStream holds every event mailsync publishes
const DefaultStream = "MAILSYNC_EVENTS"

// StreamConfig describes the JetStream stream events land in
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration
}

// DefaultStreamConfig returns the stream used in production
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:       DefaultStream,
		Subjects:   []string{"user.*.>"},
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
	log    logrus.FieldLogger
}

// NewPublisher connects to NATS and opens a JetStream context
func NewPublisher(url string, stream StreamConfig, log logrus.FieldLogger) (*Publisher, error) {
	log = log.WithField("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream.Name == "" {
		stream = DefaultStreamConfig()
	}
	return &Publisher{nc: nc, js: js, stream: stream, log: log}, nil
}

// EnsureStream creates the stream unless it already exists
func (p *Publisher) EnsureStream() error {
	info, err := p.js.StreamInfo(p.stream.Name)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream.Name,
		Subjects:   p.stream.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: p.stream.Duplicates,
		MaxAge:     p.stream.MaxAge,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	p.log.WithField("stream", p.stream.Name).Info("stream created")
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
		}
	}
}
