package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

// Config holds NATS connection tunables, mirroring the teacher driver's
// defaults.
type Config struct {
	URL            string        `yaml:"url"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	Timeout        time.Duration `yaml:"timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPendingMsgs int           `yaml:"max_pending_msgs"`
}

// DefaultConfig returns sensible defaults for a local/dev NATS server.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		Timeout:        5 * time.Second,
		PingInterval:   20 * time.Second,
		MaxPendingMsgs: 65536,
	}
}

// NATS is a cross-process transport between one ProducerController and
// one ConsumerController over a set of per-relationship subjects, using
// pkg/wire to encode the five protocol messages.
//
// NATS implements both producer.ConsumerSink (SendSequencedMessage) and
// consumer.ProducerSink (SendRequest/SendResend/SendAck/SendRegisterConsumer),
// so the same value can be handed to either controller depending on which
// side of the relationship it represents.
type NATS[A any] struct {
	conn   *nats.Conn
	codec  *wire.Codec[A]
	prefix string

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func subjects(prefix string) (messages, requests, resends, acks, register string) {
	return prefix + ".messages", prefix + ".requests", prefix + ".resends", prefix + ".acks", prefix + ".register"
}

// Connect dials a NATS server and returns a transport scoped to subjectPrefix.
// Each ProducerController/ConsumerController relationship should use its own
// prefix so their subjects don't collide.
func Connect[A any](cfg Config, subjectPrefix string, payloadCodec wire.PayloadCodec[A]) (*NATS[A], error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: connect to nats: %w", err)
	}
	return &NATS[A]{
		conn:   conn,
		codec:  wire.NewCodec(payloadCodec),
		prefix: subjectPrefix,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// SendSequencedMessage publishes msg to the messages subject (producer -> consumer).
func (t *NATS[A]) SendSequencedMessage(_ context.Context, msg delivery.SequencedMessage[A]) error {
	data, err := t.codec.EncodeSequencedMessage(msg)
	if err != nil {
		return fmt.Errorf("transport: encode sequenced message: %w", err)
	}
	messages, _, _, _, _ := subjects(t.prefix)
	return t.conn.Publish(messages, data)
}

// SendRequest publishes req to the requests subject (consumer -> producer).
func (t *NATS[A]) SendRequest(_ context.Context, req delivery.Request) error {
	data := wire.EncodeRequest(req)
	_, requests, _, _, _ := subjects(t.prefix)
	return t.conn.Publish(requests, data)
}

// SendResend publishes r to the resends subject (consumer -> producer).
func (t *NATS[A]) SendResend(_ context.Context, r delivery.Resend) error {
	data := wire.EncodeResend(r)
	_, _, resends, _, _ := subjects(t.prefix)
	return t.conn.Publish(resends, data)
}

// SendAck publishes a to the acks subject (consumer -> producer).
func (t *NATS[A]) SendAck(_ context.Context, a delivery.Ack) error {
	data := wire.EncodeAck(a)
	_, _, _, acks, _ := subjects(t.prefix)
	return t.conn.Publish(acks, data)
}

// SendRegisterConsumer publishes r to the register subject (consumer -> producer).
func (t *NATS[A]) SendRegisterConsumer(_ context.Context, r delivery.RegisterConsumer) error {
	data := wire.EncodeRegisterConsumer(r)
	_, _, _, _, register := subjects(t.prefix)
	return t.conn.Publish(register, data)
}

// SubscribeMessages delivers decoded SequencedMessages arriving on the
// messages subject to handler. Intended for the consumer side.
func (t *NATS[A]) SubscribeMessages(ctx context.Context, handler func(context.Context, delivery.SequencedMessage[A])) error {
	messages, _, _, _, _ := subjects(t.prefix)
	sub, err := t.conn.Subscribe(messages, func(m *nats.Msg) {
		msg, err := t.codec.DecodeSequencedMessage(m.Data)
		if err != nil {
			return
		}
		handler(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe messages: %w", err)
	}
	t.track("messages", sub)
	return nil
}

// SubscribeControl delivers decoded Request/Resend/Ack/RegisterConsumer
// messages to the producer side's handlers.
func (t *NATS[A]) SubscribeControl(
	ctx context.Context,
	onRequest func(context.Context, delivery.Request),
	onResend func(context.Context, delivery.Resend),
	onAck func(context.Context, delivery.Ack),
	onRegister func(context.Context, delivery.RegisterConsumer),
) error {
	_, requestsSubj, resendsSubj, acksSubj, registerSubj := subjects(t.prefix)

	reqSub, err := t.conn.Subscribe(requestsSubj, func(m *nats.Msg) {
		req, err := wire.DecodeRequest(m.Data)
		if err != nil {
			return
		}
		onRequest(ctx, req)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe requests: %w", err)
	}
	t.track("requests", reqSub)

	resendSub, err := t.conn.Subscribe(resendsSubj, func(m *nats.Msg) {
		r, err := wire.DecodeResend(m.Data)
		if err != nil {
			return
		}
		onResend(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe resends: %w", err)
	}
	t.track("resends", resendSub)

	ackSub, err := t.conn.Subscribe(acksSubj, func(m *nats.Msg) {
		a, err := wire.DecodeAck(m.Data)
		if err != nil {
			return
		}
		onAck(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe acks: %w", err)
	}
	t.track("acks", ackSub)

	registerSub, err := t.conn.Subscribe(registerSubj, func(m *nats.Msg) {
		r, err := wire.DecodeRegisterConsumer(m.Data)
		if err != nil {
			return
		}
		onRegister(ctx, r)
	})
	if err != nil {
		return fmt.Errorf("transport: subscribe register: %w", err)
	}
	t.track("register", registerSub)

	return nil
}

func (t *NATS[A]) track(name string, sub *nats.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[name] = sub
}

// Health reports connectivity the way the teacher driver does.
func (t *NATS[A]) Health(_ context.Context) (delivery.HealthStatus, error) {
	if t.conn == nil {
		return delivery.HealthStatus{Status: delivery.HealthDegraded, Message: "nats connection not established"}, nil
	}
	switch t.conn.Status() {
	case nats.CONNECTED:
		stats := t.conn.Stats()
		return delivery.HealthStatus{
			Status:  delivery.HealthHealthy,
			Message: fmt.Sprintf("connected to %s", t.conn.ConnectedUrl()),
			Details: map[string]string{
				"in_msgs":  fmt.Sprintf("%d", stats.InMsgs),
				"out_msgs": fmt.Sprintf("%d", stats.OutMsgs),
			},
		}, nil
	case nats.RECONNECTING:
		return delivery.HealthStatus{Status: delivery.HealthDegraded, Message: "reconnecting to nats server"}, nil
	default:
		return delivery.HealthStatus{Status: delivery.HealthDegraded, Message: fmt.Sprintf("nats connection status: %v", t.conn.Status())}, nil
	}
}

// Close unsubscribes everything, drains, and closes the connection.
func (t *NATS[A]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, sub := range t.subs {
		_ = sub.Unsubscribe()
		delete(t.subs, name)
	}
	if t.conn != nil {
		if err := t.conn.Drain(); err != nil {
			return fmt.Errorf("transport: drain nats connection: %w", err)
		}
	}
	return nil
}
