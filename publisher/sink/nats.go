package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/pgrelay/cfg"
	"github.com/maxpert/pgrelay/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const defaultNatsConnectTimeout = 5 * time.Second

func init() {
	publisher.RegisterTransport(cfg.TransportNATS, func(config cfg.BrokerConfiguration) (publisher.Transport, error) {
		timeout := defaultNatsConnectTimeout
		if config.ConnectTimeout > 0 {
			timeout = time.Duration(config.ConnectTimeout) * time.Second
		}

		return NewNatsTransport(NatsConfig{
			URLs:          config.Addresses,
			Name:          fmt.Sprintf("pgrelay-%d", cfg.Config.InstanceID),
			Stream:        config.Stream,
			SubjectPrefix: config.SubjectPrefix,
			Replicas:      config.StreamReplicas,
			Timeout:       timeout,
		})
	})
}

// NatsConfig holds configuration for NatsTransport
type NatsConfig struct {
	URLs          []string
	Name          string // Connection name shown by the server
	Stream        string // JetStream stream capturing <prefix>.>
	SubjectPrefix string
	Replicas      int
	Timeout       time.Duration
}

// NatsTransport publishes to NATS JetStream
type NatsTransport struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewNatsTransport connects to NATS and ensures the stream exists
func NewNatsTransport(config NatsConfig) (*NatsTransport, error) {
	if len(config.URLs) == 0 {
		return nil, fmt.Errorf("nats transport requires at least one server address")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultNatsConnectTimeout
	}

	nc, err := nats.Connect(strings.Join(config.URLs, ","),
		nats.Name(config.Name),
		nats.Timeout(config.Timeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	replicas := config.Replicas
	if replicas < 1 {
		replicas = 1
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      config.Stream,
		Subjects:  []string{config.SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  replicas,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", config.Stream, err)
	}

	log.Info().
		Str("stream", config.Stream).
		Str("subjects", config.SubjectPrefix+".>").
		Msg("JetStream stream ready")

	return &NatsTransport{nc: nc, js: js}, nil
}

// Publish sends payload to subject, with key stored as a header
func (n *NatsTransport) Publish(ctx context.Context, subject, key string, payload []byte) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection
func (n *NatsTransport) Close() error {
	if n.nc == nil {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}
