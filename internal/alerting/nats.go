package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSOptions 描述 NATS 连接参数。
type NATSOptions struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

// ConnectNATS 建立 NATS 连接。
func ConnectNATS(opts NATSOptions, logger zerolog.Logger) (*nats.Conn, error) {
	name := opts.Name
	if name == "" {
		name = "spendguard"
	}
	natsOpts := []nats.Option{
		nats.Name(name),
		nats.Timeout(opts.ConnectTimeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NATSNotifier publishes each notification as JSON on <prefix>.<kind>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	logger zerolog.Logger
}

// NewNATSNotifier wraps a publisher. The subject prefix defaults to "spendguard.notifications".
func NewNATSNotifier(pub Publisher, subjectPrefix string, logger zerolog.Logger) *NATSNotifier {
	prefix := strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "spendguard.notifications"
	}
	return &NATSNotifier{
		pub:    pub,
		prefix: prefix,
		logger: logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Subject returns the subject a kind is published on.
func (n *NATSNotifier) Subject(kind Kind) string {
	return n.prefix + "." + string(kind)
}

func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(natsMessage{Notification: note, Text: renderMessage(note)})
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := n.pub.Publish(n.Subject(note.Kind), payload); err != nil {
		return fmt.Errorf("publish nats notification: %w", err)
	}
	n.logger.Debug().Str("kind", string(note.Kind)).Str("request_id", note.Request.RequestID).Msg("通知已发布 (NATS)")
	return nil
}

type natsMessage struct {
	Notification
	Text string `json:"text"`
}

var (
	_ Notifier  = (*NATSNotifier)(nil)
	_ Publisher = (*nats.Conn)(nil)
)
