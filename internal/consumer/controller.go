// Package consumer implements the ConsumerController side of the
// point-to-point reliable delivery protocol: idle/active/
// waitingForConfirmation/resending state machine, sequence-gap detection,
// window-based flow control, and producer rebinding.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// ProducerSink is how a Controller sends flow-control signals back to
// whichever ProducerController it is currently bound to. It is the mirror
// image of producer.ConsumerSink.
type ProducerSink interface {
	SendRequest(ctx context.Context, req delivery.Request) error
	SendResend(ctx context.Context, r delivery.Resend) error
	SendAck(ctx context.Context, a delivery.Ack) error
	SendRegisterConsumer(ctx context.Context, r delivery.RegisterConsumer) error
}

// Metrics is a point-in-time snapshot of counters an operator dashboard
// would want, mirroring producer.Metrics.
type Metrics struct {
	Delivered     uint64
	Confirmed     uint64
	Duplicates    uint64
	GapsDetected  uint64
	Registrations uint64
}

type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateActive
	stateWaitingForConfirmation
	stateResending
)

type state[A any] struct {
	kind lifecycleState

	consumerRef     string
	consumerStarted bool
	idleStash       *delivery.SequencedMessage[A]

	producer      ProducerSink
	producerRef   string
	registering   bool
	registerRef   string
	registerSink  ProducerSink

	receivedSeqNr  uint64
	confirmedSeqNr uint64
	requestedSeqNr uint64

	resendLost bool

	pendingDelivery delivery.SequencedMessage[A]
	stash           []delivery.SequencedMessage[A]

	retryTimer *time.Timer

	metrics Metrics
}

type cmdConsumerStart struct {
	consumerRef string
}

type cmdRegisterToProducer struct {
	producerRef string
	sink        ProducerSink
}

type cmdSequencedMessage[A any] struct {
	msg delivery.SequencedMessage[A]
}

type cmdConfirmed struct {
	seqNr uint64
}

type cmdRetryTick struct{}

type cmdHealth struct {
	reply chan delivery.HealthStatus
}

type cmdMetrics struct {
	reply chan Metrics
}

// Controller is the ConsumerController for one producer relationship. A
// single goroutine owns all protocol state; every interaction crosses
// through the inbox channel, matching §5's no-shared-mutable-state model.
type Controller[A any] struct {
	name   string
	config Config

	inbox      chan any
	deliveries chan delivery.Delivery[A]

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New constructs a Controller. Call Start to begin accepting messages.
func New[A any](cfg Config) (*Controller[A], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller[A]{
		name:       cfg.Name,
		config:     cfg,
		inbox:      make(chan any, cfg.InboxBuffer),
		deliveries: make(chan delivery.Delivery[A], cfg.DeliveriesBuffer),
	}, nil
}

// Deliveries returns the channel the application consumer ranges over.
// Exactly one Delivery is outstanding at a time; the consumer must call
// ConfirmTo before the next one is emitted.
func (c *Controller[A]) Deliveries() <-chan delivery.Delivery[A] {
	return c.deliveries
}

// Name returns the configured pattern instance name.
func (c *Controller[A]) Name() string { return c.name }

// Start begins the controller's run loop and marks the application consumer
// started under consumerRef, unblocking the idle->active transition once a
// first SequencedMessage has also been stashed.
func (c *Controller[A]) Start(ctx context.Context, consumerRef string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("consumer: %s already started", c.name)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.ctx = runCtx
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	slog.Info("consumer starting", "name", c.name, "consumer_ref", consumerRef)
	go c.run()
	return c.enqueueCtx(ctx, cmdConsumerStart{consumerRef: consumerRef})
}

// RegisterToProducerController binds the controller to producerRef, sending
// RegisterConsumer through sink and retrying until the producer's first
// SequencedMessage confirms the binding. Calling this again with a
// different producerRef rebinds (§4.2 "Registering / producer rebinding").
func (c *Controller[A]) RegisterToProducerController(ctx context.Context, producerRef string, sink ProducerSink) error {
	return c.enqueueCtx(ctx, cmdRegisterToProducer{producerRef: producerRef, sink: sink})
}

// HandleSequencedMessage delivers an inbound wire message to the controller.
func (c *Controller[A]) HandleSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error {
	return c.enqueueCtx(ctx, cmdSequencedMessage[A]{msg: msg})
}

// Confirmed tells the controller the application consumer has finished
// processing the most recently delivered message, with seqNr echoing back
// delivery.Delivery.SeqNr. Equivalent to calling Delivery.ConfirmTo.
func (c *Controller[A]) Confirmed(ctx context.Context, seqNr uint64) error {
	return c.enqueueCtx(ctx, cmdConfirmed{seqNr: seqNr})
}

// Health reports the controller's coarse health.
func (c *Controller[A]) Health(ctx context.Context) (delivery.HealthStatus, error) {
	reply := make(chan delivery.HealthStatus, 1)
	if err := c.enqueueCtx(ctx, cmdHealth{reply: reply}); err != nil {
		return delivery.HealthStatus{}, err
	}
	select {
	case hs := <-reply:
		return hs, nil
	case <-ctx.Done():
		return delivery.HealthStatus{}, ctx.Err()
	}
}

// Metrics returns a snapshot of the controller's counters.
func (c *Controller[A]) Metrics(ctx context.Context) (Metrics, error) {
	reply := make(chan Metrics, 1)
	if err := c.enqueueCtx(ctx, cmdMetrics{reply: reply}); err != nil {
		return Metrics{}, err
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
}

// Stop shuts the controller down.
func (c *Controller[A]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.doneCh
	c.mu.Unlock()

	slog.Info("consumer stopping", "name", c.name)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller[A]) enqueueCtx(ctx context.Context, cmd any) error {
	c.mu.Lock()
	runCtx := c.ctx
	c.mu.Unlock()
	if runCtx == nil {
		return fmt.Errorf("consumer: %s not started", c.name)
	}
	select {
	case c.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return fmt.Errorf("consumer: %s stopped", c.name)
	}
}

func (c *Controller[A]) enqueue(cmd any) {
	select {
	case c.inbox <- cmd:
	case <-c.ctx.Done():
	}
}

func (c *Controller[A]) run() {
	defer close(c.doneCh)

	st := &state[A]{
		kind:       stateIdle,
		resendLost: c.config.ResendLost,
	}

	for {
		select {
		case <-c.ctx.Done():
			c.stopRetryTimer(st)
			return
		case raw := <-c.inbox:
			c.dispatch(st, raw)
		}
	}
}

func (c *Controller[A]) dispatch(st *state[A], raw any) {
	switch cmd := raw.(type) {
	case cmdConsumerStart:
		c.onConsumerStart(st, cmd.consumerRef)
	case cmdRegisterToProducer:
		c.onRegisterToProducer(st, cmd.producerRef, cmd.sink)
	case cmdSequencedMessage[A]:
		c.onSequencedMessage(st, cmd.msg)
	case cmdConfirmed:
		c.onConfirmed(st, cmd.seqNr)
	case cmdRetryTick:
		c.onRetryTick(st)
	case cmdHealth:
		cmd.reply <- c.healthFor(st)
	case cmdMetrics:
		cmd.reply <- st.metrics
	default:
		slog.Warn("consumer: unknown inbox command", "name", c.name, "type", fmt.Sprintf("%T", raw))
	}
}

func (c *Controller[A]) healthFor(st *state[A]) delivery.HealthStatus {
	status := delivery.HealthHealthy
	msg := "receiving"
	if st.kind == stateIdle {
		status = delivery.HealthDegraded
		msg = "idle: awaiting start and first message"
	}
	return delivery.HealthStatus{
		Status:  status,
		Message: msg,
		Details: map[string]string{
			"received_seq_nr":  fmt.Sprintf("%d", st.receivedSeqNr),
			"confirmed_seq_nr": fmt.Sprintf("%d", st.confirmedSeqNr),
			"registering":      fmt.Sprintf("%t", st.registering),
		},
	}
}

func (c *Controller[A]) onConsumerStart(st *state[A], consumerRef string) {
	st.consumerRef = consumerRef
	st.consumerStarted = true
	if st.idleStash != nil {
		c.activateFromIdle(st)
	}
}

func (c *Controller[A]) onRegisterToProducer(st *state[A], producerRef string, sink ProducerSink) {
	if st.producerRef == producerRef && st.producer != nil && !st.registering {
		st.producer = sink
		return
	}
	st.registering = true
	st.registerRef = producerRef
	st.registerSink = sink
	st.metrics.Registrations++
	c.sendRegisterConsumer(st)
	c.ensureRetryTimer(st)
}

func (c *Controller[A]) sendRegisterConsumer(st *state[A]) {
	if st.registerSink == nil {
		return
	}
	if err := st.registerSink.SendRegisterConsumer(c.ctx, delivery.RegisterConsumer{ConsumerRef: c.config.ConsumerRef}); err != nil {
		slog.Warn("consumer: send RegisterConsumer failed", "name", c.name, "error", err)
	}
}

// onSequencedMessage is the central dispatch for §4.2's state machine.
func (c *Controller[A]) onSequencedMessage(st *state[A], msg delivery.SequencedMessage[A]) {
	if st.registering {
		if !msg.First || msg.ProducerRef != st.registerRef {
			return
		}
		st.registering = false
		st.producer = st.registerSink
		st.producerRef = st.registerRef
		st.registerSink = nil
		st.registerRef = ""
	}

	switch st.kind {
	case stateIdle:
		c.onSequencedMessageIdle(st, msg)
	case stateActive:
		c.handleActive(st, msg)
	case stateWaitingForConfirmation:
		c.stashBounded(st, msg)
	case stateResending:
		c.handleResending(st, msg)
	}
}

func (c *Controller[A]) onSequencedMessageIdle(st *state[A], msg delivery.SequencedMessage[A]) {
	if st.idleStash == nil {
		m := msg
		st.idleStash = &m
	}
	if st.consumerStarted {
		c.activateFromIdle(st)
	}
}

func (c *Controller[A]) activateFromIdle(st *state[A]) {
	first := *st.idleStash
	st.idleStash = nil
	st.kind = stateActive
	st.producerRef = first.ProducerRef
	st.requestedSeqNr = first.SeqNr - 1 + uint64(c.config.RequestWindow)
	c.sendRequest(st, delivery.Request{
		ConfirmedSeqNr: 0,
		UpToSeqNr:      st.requestedSeqNr,
		SupportResend:  st.resendLost,
	})
	c.ensureRetryTimer(st)
	c.handleActive(st, first)
}

func (c *Controller[A]) handleActive(st *state[A], msg delivery.SequencedMessage[A]) {
	expected := st.receivedSeqNr + 1
	switch {
	case msg.SeqNr == expected:
		c.deliverMessage(st, msg)
	case msg.First && msg.SeqNr >= expected:
		st.producerRef = msg.ProducerRef
		c.deliverMessage(st, msg)
	case msg.First && msg.ProducerRef != st.producerRef:
		st.producerRef = msg.ProducerRef
		c.deliverMessage(st, msg)
	case msg.SeqNr > expected:
		st.metrics.GapsDetected++
		if st.resendLost {
			c.sendResend(st, delivery.Resend{FromSeqNr: expected})
			st.kind = stateResending
		} else {
			c.deliverMessage(st, msg)
		}
	default:
		st.metrics.Duplicates++
		if msg.First {
			c.sendRequest(st, delivery.Request{
				ConfirmedSeqNr: st.confirmedSeqNr,
				UpToSeqNr:      st.requestedSeqNr,
				SupportResend:  st.resendLost,
				ViaTimeout:     true,
			})
		}
	}
}

func (c *Controller[A]) handleResending(st *state[A], msg delivery.SequencedMessage[A]) {
	expected := st.receivedSeqNr + 1
	if msg.SeqNr == expected || (msg.First && msg.ProducerRef != st.producerRef) {
		if msg.First {
			st.producerRef = msg.ProducerRef
		}
		c.deliverMessage(st, msg)
		return
	}
	st.metrics.Duplicates++
}

func (c *Controller[A]) stashBounded(st *state[A], msg delivery.SequencedMessage[A]) {
	if len(st.stash) >= c.config.RequestWindow {
		st.metrics.Duplicates++
		return
	}
	st.stash = append(st.stash, msg)
}

func (c *Controller[A]) deliverMessage(st *state[A], msg delivery.SequencedMessage[A]) {
	st.receivedSeqNr = msg.SeqNr
	st.kind = stateWaitingForConfirmation
	st.pendingDelivery = msg
	st.metrics.Delivered++

	d := delivery.Delivery[A]{
		ProducerID: msg.ProducerID,
		SeqNr:      msg.SeqNr,
		Msg:        msg.Msg,
		ConfirmTo: func(seqNr uint64) {
			c.enqueue(cmdConfirmed{seqNr: seqNr})
		},
	}
	select {
	case c.deliveries <- d:
	case <-c.ctx.Done():
	}
}

func (c *Controller[A]) onConfirmed(st *state[A], seqNr uint64) {
	if st.kind != stateWaitingForConfirmation {
		slog.Warn("consumer: confirmation received outside waitingForConfirmation", "name", c.name, "seq_nr", seqNr, "state", st.kind)
	}
	if seqNr > st.receivedSeqNr {
		err := delivery.NewInvariantError("consumer", "confirmed seq nr %d ahead of received %d", seqNr, st.receivedSeqNr)
		slog.Error("consumer invariant violation", "name", c.name, "error", err)
		c.cancel()
		return
	}
	if seqNr < st.receivedSeqNr {
		slog.Warn("consumer: stale confirmation ignored", "name", c.name, "confirmed", seqNr, "received", st.receivedSeqNr)
		return
	}

	st.confirmedSeqNr = seqNr
	st.metrics.Confirmed++
	wasFirst := st.pendingDelivery.First
	wantsAck := st.pendingDelivery.Ack
	half := uint64(c.config.RequestWindow) / 2

	switch {
	case wasFirst:
		st.requestedSeqNr = seqNr - 1 + uint64(c.config.RequestWindow)
		c.sendRequest(st, delivery.Request{
			ConfirmedSeqNr: seqNr,
			UpToSeqNr:      st.requestedSeqNr,
			SupportResend:  st.resendLost,
		})
		c.resetRetryTimer(st)
	case half > 0 && st.requestedSeqNr-seqNr == half:
		st.requestedSeqNr += half
		c.sendRequest(st, delivery.Request{
			ConfirmedSeqNr: seqNr,
			UpToSeqNr:      st.requestedSeqNr,
			SupportResend:  st.resendLost,
		})
		c.resetRetryTimer(st)
	case wantsAck:
		c.sendAck(st, delivery.Ack{ConfirmedSeqNr: seqNr})
	}

	st.kind = stateActive
	c.drainStash(st)
}

func (c *Controller[A]) drainStash(st *state[A]) {
	pending := st.stash
	st.stash = nil
	for _, msg := range pending {
		if st.kind != stateActive {
			st.stash = append(st.stash, msg)
			continue
		}
		c.handleActive(st, msg)
	}
}

func (c *Controller[A]) onRetryTick(st *state[A]) {
	// The timer that enqueued this tick has already fired; drop the stale
	// reference so ensureRetryTimer below arms a fresh one.
	st.retryTimer = nil
	switch {
	case st.registering:
		c.sendRegisterConsumer(st)
	case st.kind == stateResending:
		c.sendResend(st, delivery.Resend{FromSeqNr: st.receivedSeqNr + 1})
	case st.kind == stateActive || st.kind == stateWaitingForConfirmation:
		c.sendRequest(st, delivery.Request{
			ConfirmedSeqNr: st.confirmedSeqNr,
			UpToSeqNr:      st.requestedSeqNr,
			SupportResend:  st.resendLost,
			ViaTimeout:     true,
		})
	}
	c.ensureRetryTimer(st)
}

func (c *Controller[A]) sendRequest(st *state[A], req delivery.Request) {
	if st.producer == nil {
		return
	}
	if err := st.producer.SendRequest(c.ctx, req); err != nil {
		slog.Warn("consumer: send Request failed", "name", c.name, "error", err)
	}
}

func (c *Controller[A]) sendResend(st *state[A], r delivery.Resend) {
	if st.producer == nil {
		return
	}
	if err := st.producer.SendResend(c.ctx, r); err != nil {
		slog.Warn("consumer: send Resend failed", "name", c.name, "error", err)
	}
}

func (c *Controller[A]) sendAck(st *state[A], a delivery.Ack) {
	if st.producer == nil {
		return
	}
	if err := st.producer.SendAck(c.ctx, a); err != nil {
		slog.Warn("consumer: send Ack failed", "name", c.name, "error", err)
	}
}

func (c *Controller[A]) ensureRetryTimer(st *state[A]) {
	if st.retryTimer != nil {
		return
	}
	st.retryTimer = time.AfterFunc(c.config.RetryIntervalDuration(), func() {
		c.enqueue(cmdRetryTick{})
	})
}

func (c *Controller[A]) resetRetryTimer(st *state[A]) {
	c.stopRetryTimer(st)
	c.ensureRetryTimer(st)
}

func (c *Controller[A]) stopRetryTimer(st *state[A]) {
	if st.retryTimer == nil {
		return
	}
	st.retryTimer.Stop()
	st.retryTimer = nil
}
