// Package nats publishes messages to NATS subjects.
package nats

import (
	"encoding/json"
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/cubetl/internal/nats"
	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/message"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// RunIDHeader carries the id of the run that published a message.
const RunIDHeader = "Cubetl-Run-Id"

// Sink receives published messages. *nats.Conn satisfies it.
type Sink interface {
	PublishMsg(m *nats.Msg) error
}

type jetStreamSink struct {
	js nats.JetStreamContext
}

func (s jetStreamSink) PublishMsg(m *nats.Msg) error {
	_, err := s.js.PublishMsg(m)
	return err
}

// Publisher publishes every message it receives and yields it unchanged.
// Subject and Data are templates over the message. A string payload is sent
// as-is, anything else is encoded as JSON.
type Publisher struct {
	runtime.Base `yaml:",inline"`
	URL          string `yaml:"url"`
	Subject      string `yaml:"subject"`
	Data         string `yaml:"data"`
	Token        string `yaml:"token"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	// JetStream publishes through JetStream and waits for the ack. Each
	// message gets a Nats-Msg-Id for server-side deduplication.
	JetStream bool `yaml:"jetstream"`

	// Sink replaces the server connection when set.
	Sink Sink `yaml:"-"`

	conn   *nats.Conn
	logger *zap.Logger
	count  int
}

// Initialize connects to the server.
func (p *Publisher) Initialize(ctx *runtime.Context) error {
	if p.Subject == "" {
		return cerrors.Configurationf(p.URN(), "subject is required")
	}
	if p.Data == "" {
		p.Data = "${ m }"
	}
	p.logger = ctx.Logger().Named("nats").With(zap.String("urn", p.URN()))
	if p.Sink != nil {
		return nil
	}

	url, err := ctx.InterpolateString(p.URN(), p.URL, nil)
	if err != nil {
		return err
	}
	if url == "" {
		url = nats.DefaultURL
	}
	cfg := natsconn.DefaultConnectionConfig(url)
	cfg.Token, cfg.Username, cfg.Password = p.Token, p.Username, p.Password
	cfg.Logger = p.logger

	conn, err := natsconn.Connect(ctx.Context(), cfg)
	if err != nil {
		return cerrors.NewConfigurationError(p.URN(), "could not connect to "+url, err)
	}
	p.conn = conn
	p.Sink = conn

	if p.JetStream {
		js, err := conn.JetStream()
		if err != nil {
			return cerrors.NewConfigurationError(p.URN(), "JetStream is not available", err)
		}
		p.Sink = jetStreamSink{js: js}
	}
	p.logger.Debug("nats publisher connected", zap.String("server", conn.ConnectedUrl()))
	return nil
}

// Finalize flushes pending publishes and closes the connection.
func (p *Publisher) Finalize(*runtime.Context) error {
	if p.logger != nil {
		p.logger.Debug("nats publisher finished", zap.Int("published", p.count))
	}
	if p.conn == nil {
		return nil
	}
	err := natsconn.Close(p.conn)
	p.conn = nil
	return err
}

// Describe omits credentials.
func (p *Publisher) Describe() []runtime.Property {
	return []runtime.Property{
		{Name: "url", Value: p.URL},
		{Name: "subject", Value: p.Subject},
		{Name: "data", Value: p.Data},
		{Name: "jetstream", Value: p.JetStream},
	}
}

// Published returns how many messages were sent.
func (p *Publisher) Published() int { return p.count }

// Process publishes m and yields it.
func (p *Publisher) Process(ctx *runtime.Context, m *message.Message) iter.Seq2[*message.Message, error] {
	return func(yield func(*message.Message, error) bool) {
		subject, err := p.InterpolateString(p.Subject, m)
		if err != nil {
			yield(nil, err)
			return
		}
		data, err := p.payload(m)
		if err != nil {
			yield(nil, err)
			return
		}

		msg := nats.NewMsg(subject)
		msg.Data = data
		msg.Header.Set(RunIDHeader, ctx.RunID())
		if p.JetStream {
			msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
		}
		if err := p.Sink.PublishMsg(msg); err != nil {
			yield(nil, fmt.Errorf("publish to %s failed: %w", subject, err))
			return
		}
		p.count++
		yield(m, nil)
	}
}

func (p *Publisher) payload(m *message.Message) ([]byte, error) {
	v, err := p.Interpolate(p.Data, m)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode payload: %w", err)
	}
	return data, nil
}
