// Package producer implements ProducerController: the producer-side half of
// the point-to-point reliable delivery protocol. A Controller is a
// single-threaded cooperative agent, the way the source's behavior-switch
// actors are — it owns its state exclusively and is driven entirely by
// messages arriving on one inbox channel, generalizing the goroutine + inbox
// lifecycle patterns/producer.go and patterns/mailbox/mailbox.go establish
// for this codebase's backend patterns.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jrepp/reliable-delivery/internal/telemetry"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// ConsumerSink is the transmission target a Controller sends SequencedMessage
// through. RegisterConsumer rebinds it at runtime; ShardingProducerController
// wraps one to frame outgoing messages in a routing envelope (§4.4 in spirit).
type ConsumerSink[A any] interface {
	SendSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error
}

// ConsumerSinkFunc adapts a plain function to a ConsumerSink.
type ConsumerSinkFunc[A any] func(ctx context.Context, msg delivery.SequencedMessage[A]) error

func (f ConsumerSinkFunc[A]) SendSequencedMessage(ctx context.Context, msg delivery.SequencedMessage[A]) error {
	return f(ctx, msg)
}

// Metrics is a point-in-time snapshot of a Controller's counters.
type Metrics struct {
	MessagesSent        uint64
	MessagesConfirmed   uint64
	Resends             uint64
	DurableLoadRetries  uint64
	DurableStoreRetries uint64
	CurrentSeqNr        uint64
	ConfirmedSeqNr      uint64
}

// state is owned exclusively by the Controller's run loop; nothing outside
// that goroutine touches it.
type state[A any] struct {
	requested      bool
	currentSeqNr   uint64
	confirmedSeqNr uint64
	requestedSeqNr uint64
	firstSeqNr     uint64
	supportResend  bool
	unconfirmed    []delivery.SequencedMessage[A]
	replyAfterStore map[uint64]func(uint64)

	send        ConsumerSink[A]
	producerRef string
	consumerRef string

	// gathering/startup
	startReceived bool
	registered    bool
	loaded        bool
	active        bool

	resendFirstTimer *time.Timer

	metrics Metrics
}

// cmd* types are the tagged union of messages Controller.run dispatches on.
type cmdStart struct{ producerRef string }
type cmdRegisterConsumer[A any] struct {
	consumerRef string
	sink        ConsumerSink[A]
}
type cmdPublish[A any] struct {
	msg        A
	onAssigned func(seqNr uint64)
	ack        bool
}
type cmdRequest struct{ req delivery.Request }
type cmdResend struct{ r delivery.Resend }
type cmdAck struct{ a delivery.Ack }
type cmdResendFirstTick struct{}
type cmdLoadStateResult[A any] struct {
	state   delivery.DurableState[A]
	err     error
	attempt int
}
type cmdStoreSentResult[A any] struct {
	pub     cmdPublish[A]
	seqNr   uint64
	err     error
	attempt int
}
type cmdHealth struct{ reply chan delivery.HealthStatus }
type cmdMetrics struct{ reply chan Metrics }

// Controller is a ProducerController instance for one producerId.
type Controller[A any] struct {
	id      string
	config  Config
	durable delivery.DurableProducerQueue[A]
	tel     *telemetry.Manager

	inbox    chan any
	requests chan delivery.RequestNext[A]

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}

	initialSink ConsumerSink[A]
}

// Option configures a Controller at construction.
type Option[A any] func(*Controller[A])

// WithConsumerSink binds a consumer sink before Start, satisfying the
// "RegisterConsumer unless a custom send is provided" startup condition from
// §4.1 — the controller will not wait for a separate RegisterConsumer call.
func WithConsumerSink[A any](sink ConsumerSink[A]) Option[A] {
	return func(c *Controller[A]) { c.initialSink = sink }
}

// WithDurableQueue attaches a DurableProducerQueue backing this controller.
func WithDurableQueue[A any](q delivery.DurableProducerQueue[A]) Option[A] {
	return func(c *Controller[A]) { c.durable = q }
}

// WithTelemetry attaches a telemetry.Manager for span instrumentation.
func WithTelemetry[A any](tel *telemetry.Manager) Option[A] {
	return func(c *Controller[A]) { c.tel = tel }
}

// New builds a Controller. Call Start to begin processing.
func New[A any](cfg Config, opts ...Option[A]) (*Controller[A], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller[A]{
		id:       cfg.ProducerID,
		config:   cfg,
		inbox:    make(chan any, cfg.InboxBuffer),
		requests: make(chan delivery.RequestNext[A], cfg.RequestsBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Requests exposes the literal RequestNext contract: the application
// producer ranges over this channel and calls SendNext or AskNext exactly
// once per value received.
func (c *Controller[A]) Requests() <-chan delivery.RequestNext[A] { return c.requests }

// Start begins the controller's run loop and delivers Start(producerRef)
// (§4.1). Safe to call again later with a different producerRef to model a
// producer rebind while running.
func (c *Controller[A]) Start(ctx context.Context, producerRef string) error {
	c.mu.Lock()
	if !c.running {
		runCtx, cancel := context.WithCancel(ctx)
		c.ctx = runCtx
		c.cancel = cancel
		c.doneCh = make(chan struct{})
		c.running = true
		go c.run()
	}
	c.mu.Unlock()

	return c.enqueueCtx(ctx, cmdStart{producerRef: producerRef})
}

// RegisterConsumer binds (or rebinds) the consumer-facing sink (§4.1 "On
// RegisterConsumer").
func (c *Controller[A]) RegisterConsumer(ctx context.Context, consumerRef string, sink ConsumerSink[A]) error {
	return c.enqueueCtx(ctx, cmdRegisterConsumer[A]{consumerRef: consumerRef, sink: sink})
}

// HandleRequest delivers a Request flow-control signal from the consumer
// side.
func (c *Controller[A]) HandleRequest(ctx context.Context, req delivery.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return c.enqueueCtx(ctx, cmdRequest{req: req})
}

// HandleResend delivers a Resend demand from the consumer side.
func (c *Controller[A]) HandleResend(ctx context.Context, r delivery.Resend) error {
	return c.enqueueCtx(ctx, cmdResend{r: r})
}

// HandleAck delivers a lightweight Ack from the consumer side.
func (c *Controller[A]) HandleAck(ctx context.Context, a delivery.Ack) error {
	return c.enqueueCtx(ctx, cmdAck{a: a})
}

// Publish is sugar over the RequestNext/SendNext handshake: it blocks until
// the controller signals demand, then hands msg over as a plain (no
// confirmation reply) application message.
func (c *Controller[A]) Publish(ctx context.Context, msg A) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case rn, ok := <-c.requests:
		if !ok {
			return fmt.Errorf("producer: controller stopped")
		}
		rn.SendNext(msg)
		return nil
	}
}

// PublishWithConfirmation is sugar over AskNext: it blocks for demand, then
// blocks again until the assigned sequence number is confirmed (P5).
func (c *Controller[A]) PublishWithConfirmation(ctx context.Context, msg A) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case rn, ok := <-c.requests:
		if !ok {
			return 0, fmt.Errorf("producer: controller stopped")
		}
		reply := make(chan uint64, 1)
		rn.AskNext(msg, func(seqNr uint64) { reply <- seqNr })
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case seqNr := <-reply:
			return seqNr, nil
		}
	}
}

// Health reports the controller's coarse health over the same inbox the
// protocol messages travel, honoring §5's "no shared mutable state" model.
func (c *Controller[A]) Health(ctx context.Context) (delivery.HealthStatus, error) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return delivery.HealthStatus{Status: delivery.HealthDegraded, Message: "not running"}, nil
	}

	reply := make(chan delivery.HealthStatus, 1)
	if err := c.enqueueCtx(ctx, cmdHealth{reply: reply}); err != nil {
		return delivery.HealthStatus{}, err
	}
	select {
	case <-ctx.Done():
		return delivery.HealthStatus{}, ctx.Err()
	case status := <-reply:
		return status, nil
	}
}

// Metrics returns a snapshot of the controller's counters.
func (c *Controller[A]) Metrics(ctx context.Context) (Metrics, error) {
	reply := make(chan Metrics, 1)
	if err := c.enqueueCtx(ctx, cmdMetrics{reply: reply}); err != nil {
		return Metrics{}, err
	}
	select {
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	case m := <-reply:
		return m, nil
	}
}

// Stop cancels the run loop and waits for it to exit.
func (c *Controller[A]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	done := c.doneCh
	c.running = false
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the producer identity this controller assigns to
// SequencedMessages.
func (c *Controller[A]) Name() string { return c.id }

func (c *Controller[A]) enqueueCtx(ctx context.Context, cmd any) error {
	select {
	case c.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("producer: controller stopped")
	}
}

func (c *Controller[A]) enqueue(cmd any) {
	select {
	case c.inbox <- cmd:
	case <-c.ctx.Done():
	}
}

// run is the single-threaded loop: it processes exactly one command at a
// time. It never waits on the durable queue itself: each ask runs in a
// goroutine whose reply arrives back here as an ordinary inbox message.
func (c *Controller[A]) run() {
	defer close(c.doneCh)

	st := &state[A]{
		currentSeqNr: 1,
		// The epoch's first message is always sent before any consumer
		// Request can possibly have arrived (maybeActivate grants the first
		// demand slot unconditionally), so resend support for it can't wait
		// on onRequest to set this from the wire. Default to true so
		// ResendFirst has a copy of seq 1 to protect until the real Request
		// arrives and folds in the consumer's actual supportResend value.
		supportResend:   true,
		replyAfterStore: map[uint64]func(uint64){},
		send:            c.initialSink,
	}
	if c.initialSink != nil {
		st.registered = true
	}

	c.beginLoad(st, 0)

	for {
		select {
		case <-c.ctx.Done():
			c.stopResendFirstTimer(st)
			return
		case raw := <-c.inbox:
			c.dispatch(st, raw)
		}
	}
}

func (c *Controller[A]) dispatch(st *state[A], raw any) {
	switch cmd := raw.(type) {
	case cmdStart:
		c.onStart(st, cmd.producerRef)
	case cmdRegisterConsumer[A]:
		c.onRegisterConsumer(st, cmd.consumerRef, cmd.sink)
	case cmdPublish[A]:
		c.onPublish(st, cmd)
	case cmdRequest:
		c.onRequest(st, cmd.req)
	case cmdResend:
		c.onResend(st, cmd.r)
	case cmdAck:
		c.onAckMsg(st, cmd.a)
	case cmdResendFirstTick:
		c.onResendFirstTick(st)
	case cmdLoadStateResult[A]:
		c.onLoadStateResult(st, cmd)
	case cmdStoreSentResult[A]:
		c.onStoreSentResult(st, cmd)
	case cmdHealth:
		cmd.reply <- c.healthFor(st)
	case cmdMetrics:
		st.metrics.CurrentSeqNr = st.currentSeqNr
		st.metrics.ConfirmedSeqNr = st.confirmedSeqNr
		cmd.reply <- st.metrics
	default:
		slog.Warn("producer: unknown command", "type", fmt.Sprintf("%T", raw))
	}
}

func (c *Controller[A]) healthFor(st *state[A]) delivery.HealthStatus {
	status := delivery.HealthHealthy
	msg := "active"
	if !st.active {
		status = delivery.HealthDegraded
		msg = "waiting for start/register/load"
	}
	return delivery.HealthStatus{
		Status:  status,
		Message: msg,
		Details: map[string]string{
			"producer_id":     c.id,
			"current_seq_nr":  fmt.Sprintf("%d", st.currentSeqNr),
			"confirmed_seqnr": fmt.Sprintf("%d", st.confirmedSeqNr),
			"unconfirmed":     fmt.Sprintf("%d", len(st.unconfirmed)),
		},
	}
}

func (c *Controller[A]) onStart(st *state[A], producerRef string) {
	st.producerRef = producerRef
	st.startReceived = true
	if st.requested {
		c.emitRequestNext(st)
	}
	c.maybeActivate(st)
}

func (c *Controller[A]) onRegisterConsumer(st *state[A], consumerRef string, sink ConsumerSink[A]) {
	st.send = sink
	st.consumerRef = consumerRef
	st.registered = true

	if len(st.unconfirmed) > 0 {
		st.firstSeqNr = st.unconfirmed[0].SeqNr
	} else {
		st.firstSeqNr = st.currentSeqNr
	}
	if len(st.unconfirmed) > 0 {
		c.onResendFirstTick(st)
	}
	c.maybeActivate(st)
}

func (c *Controller[A]) maybeActivate(st *state[A]) {
	if st.active {
		return
	}
	if st.startReceived && st.registered && st.loaded {
		st.active = true
		slog.Info("producer active", "producer_id", c.id, "current_seq_nr", st.currentSeqNr)

		// The producer may send the epoch's first message before any Request
		// has arrived from the consumer (§1: "never sends more than requested,
		// except the first message"). Grant exactly one slot of demand so the
		// application producer's first RequestNext/send-next handshake isn't
		// blocked waiting on a Request that itself depends on the consumer
		// having seen that first message.
		if st.requestedSeqNr < st.currentSeqNr {
			st.requestedSeqNr = st.currentSeqNr
		}
		if !st.requested {
			c.emitRequestNext(st)
		}
	}
}

func (c *Controller[A]) onPublish(st *state[A], cmd cmdPublish[A]) {
	if !st.active || !st.requested || st.currentSeqNr > st.requestedSeqNr {
		err := delivery.NewInvariantError("producer", "message received with no outstanding demand (active=%t requested=%t currentSeqNr=%d requestedSeqNr=%d)",
			st.active, st.requested, st.currentSeqNr, st.requestedSeqNr)
		slog.Error("producer invariant violation", "producer_id", c.id, "error", err)
		c.cancel()
		return
	}

	if c.durable != nil {
		c.beginStoreSent(st, cmd, 0)
		return
	}
	c.completePublish(st, cmd, cmd.msg, false)
}

func (c *Controller[A]) completePublish(st *state[A], cmd cmdPublish[A], msg A, viaDurable bool) {
	seqNr := st.currentSeqNr
	first := seqNr == st.firstSeqNr
	sm := delivery.SequencedMessage[A]{
		ProducerID:  c.id,
		SeqNr:       seqNr,
		Msg:         msg,
		First:       first,
		Ack:         cmd.ack,
		ProducerRef: st.producerRef,
	}

	if st.supportResend {
		st.unconfirmed = append(st.unconfirmed, sm)
	}
	if first {
		c.startResendFirstTimer(st)
	}
	c.transmit(st, sm)

	if cmd.onAssigned != nil {
		if viaDurable {
			cmd.onAssigned(seqNr)
		} else {
			st.replyAfterStore[seqNr] = cmd.onAssigned
		}
	}

	st.currentSeqNr++
	if st.currentSeqNr <= st.requestedSeqNr {
		c.emitRequestNext(st)
	} else {
		st.requested = false
	}
}

func (c *Controller[A]) onRequest(st *state[A], req delivery.Request) {
	c.onAck(st, req.ConfirmedSeqNr)

	st.supportResend = req.SupportResend
	if !st.supportResend {
		st.unconfirmed = nil
	}

	if (req.ViaTimeout || req.ConfirmedSeqNr == st.firstSeqNr) && st.supportResend {
		c.retransmitUnconfirmed(st)
	}

	var newRequested uint64
	if !st.supportResend && req.UpToSeqNr < st.currentSeqNr {
		newRequested = st.currentSeqNr + (req.UpToSeqNr - req.ConfirmedSeqNr)
	} else {
		newRequested = req.UpToSeqNr
	}

	old := st.requestedSeqNr
	st.requestedSeqNr = newRequested
	if newRequested > old && !st.requested && st.currentSeqNr <= newRequested && st.active {
		c.emitRequestNext(st)
	}
}

func (c *Controller[A]) onResend(st *state[A], r delivery.Resend) {
	i := 0
	for i < len(st.unconfirmed) && st.unconfirmed[i].SeqNr < r.FromSeqNr {
		i++
	}
	st.unconfirmed = st.unconfirmed[i:]
	c.retransmitUnconfirmed(st)
}

func (c *Controller[A]) onAckMsg(st *state[A], a delivery.Ack) {
	c.onAck(st, a.ConfirmedSeqNr)
	if a.ConfirmedSeqNr == st.firstSeqNr && len(st.unconfirmed) > 0 {
		c.retransmitUnconfirmed(st)
	}
}

// onAck implements the common onAck(k) algorithm from §4.1.
func (c *Controller[A]) onAck(st *state[A], k uint64) {
	for seqNr, reply := range st.replyAfterStore {
		if seqNr <= k {
			reply(seqNr)
			delete(st.replyAfterStore, seqNr)
		}
	}

	i := 0
	for i < len(st.unconfirmed) && st.unconfirmed[i].SeqNr <= k {
		i++
	}
	st.unconfirmed = st.unconfirmed[i:]

	if k == st.firstSeqNr {
		c.stopResendFirstTimer(st)
	}

	advanced := false
	if k > st.confirmedSeqNr {
		st.confirmedSeqNr = k
		advanced = true
		st.metrics.MessagesConfirmed++
	}

	if advanced && c.durable != nil {
		c.fireStoreConfirmed(k)
	}
}

func (c *Controller[A]) onResendFirstTick(st *state[A]) {
	if len(st.unconfirmed) > 0 && st.unconfirmed[0].SeqNr == st.firstSeqNr {
		sm := st.unconfirmed[0]
		sm.First = true
		c.transmit(st, sm)
		c.startResendFirstTimer(st)
		return
	}
	if st.currentSeqNr > st.firstSeqNr {
		c.stopResendFirstTimer(st)
	}
}

func (c *Controller[A]) retransmitUnconfirmed(st *state[A]) {
	st.metrics.Resends += uint64(len(st.unconfirmed))
	for _, sm := range st.unconfirmed {
		if sm.SeqNr == st.firstSeqNr {
			sm.First = true
		}
		c.transmit(st, sm)
	}
}

func (c *Controller[A]) transmit(st *state[A], sm delivery.SequencedMessage[A]) {
	if st.send == nil {
		slog.Warn("producer: no consumer registered, dropping message", "producer_id", c.id, "seq_nr", sm.SeqNr)
		return
	}
	if err := st.send.SendSequencedMessage(c.ctx, sm); err != nil {
		slog.Warn("producer: send failed", "producer_id", c.id, "seq_nr", sm.SeqNr, "error", err)
		return
	}
	st.metrics.MessagesSent++
}

func (c *Controller[A]) emitRequestNext(st *state[A]) {
	st.requested = true
	rn := c.makeRequestNext(st)
	select {
	case c.requests <- rn:
	case <-c.ctx.Done():
	}
}

func (c *Controller[A]) makeRequestNext(st *state[A]) delivery.RequestNext[A] {
	var once sync.Once
	rn := delivery.RequestNext[A]{
		ProducerID:     c.id,
		CurrentSeqNr:   st.currentSeqNr,
		ConfirmedSeqNr: st.confirmedSeqNr,
	}
	rn.SendNext = func(msg A) {
		once.Do(func() {
			c.enqueue(cmdPublish[A]{msg: msg})
		})
	}
	rn.AskNext = func(msg A, onAssigned func(seqNr uint64)) {
		once.Do(func() {
			c.enqueue(cmdPublish[A]{msg: msg, onAssigned: onAssigned, ack: true})
		})
	}
	return rn
}

// startResendFirstTimer arms a one-shot timer that, on firing, enqueues a
// ResendFirst tick for the run loop. Only the run loop ever reads or writes
// st.resendFirstTimer; the timer's own goroutine does nothing but enqueue,
// and onResendFirstTick re-arms the next one-shot when still pending.
func (c *Controller[A]) startResendFirstTimer(st *state[A]) {
	c.stopResendFirstTimer(st)
	st.resendFirstTimer = time.AfterFunc(c.config.ResendFirstIntervalDuration(), func() {
		c.enqueue(cmdResendFirstTick{})
	})
}

func (c *Controller[A]) stopResendFirstTimer(st *state[A]) {
	if st.resendFirstTimer != nil {
		st.resendFirstTimer.Stop()
		st.resendFirstTimer = nil
	}
}

// beginLoad starts (or retries) the durable-queue LoadState ask. With no
// durable queue configured, it synthesizes an immediate successful result of
// a fresh DurableState.
func (c *Controller[A]) beginLoad(st *state[A], attempt int) {
	if c.durable == nil {
		c.enqueue(cmdLoadStateResult[A]{state: delivery.NewDurableState[A](), attempt: attempt})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.DurableLoadTimeoutDuration())
		defer cancel()
		loaded, err := c.durable.LoadState(ctx)
		c.enqueue(cmdLoadStateResult[A]{state: loaded, err: err, attempt: attempt})
	}()
}

func (c *Controller[A]) onLoadStateResult(st *state[A], res cmdLoadStateResult[A]) {
	if res.err != nil {
		st.metrics.DurableLoadRetries++
		if res.attempt+1 >= c.config.MaxDurableRetries {
			slog.Error("producer: durable LoadState exhausted retries", "producer_id", c.id, "error", res.err)
			c.cancel()
			return
		}
		slog.Warn("producer: durable LoadState failed, retrying", "producer_id", c.id, "attempt", res.attempt, "error", res.err)
		time.AfterFunc(c.config.DurableLoadTimeoutDuration(), func() { c.beginLoad(st, res.attempt+1) })
		return
	}

	st.currentSeqNr = res.state.CurrentSeqNr
	st.confirmedSeqNr = res.state.HighestConfirmedSeqNr
	st.unconfirmed = make([]delivery.SequencedMessage[A], 0, len(res.state.Unconfirmed))
	for _, sent := range res.state.Unconfirmed {
		st.unconfirmed = append(st.unconfirmed, delivery.SequencedMessage[A]{
			ProducerID: c.id,
			SeqNr:      sent.SeqNr,
			Msg:        sent.Msg,
			Ack:        sent.Ack,
		})
	}
	if len(st.unconfirmed) > 0 {
		st.unconfirmed[0].First = true
		st.firstSeqNr = st.unconfirmed[0].SeqNr
	} else {
		// §9 open question (b): with nothing unconfirmed on reload there is no
		// known epoch-opening seqNr yet. We set firstSeqNr to currentSeqNr, so
		// the next message sent becomes the new epoch's first and no
		// ResendFirst timer runs until then.
		st.firstSeqNr = st.currentSeqNr
	}
	st.loaded = true
	c.maybeActivate(st)
}

func (c *Controller[A]) beginStoreSent(st *state[A], cmd cmdPublish[A], attempt int) {
	seqNr := st.currentSeqNr
	sent := delivery.MessageSent[A]{SeqNr: seqNr, Msg: cmd.msg, Ack: cmd.ack, Qualifier: delivery.NoQualifier}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.DurableStoreTimeoutDuration())
		defer cancel()
		err := c.durable.StoreMessageSent(ctx, sent)
		c.enqueue(cmdStoreSentResult[A]{pub: cmd, seqNr: seqNr, err: err, attempt: attempt})
	}()
}

func (c *Controller[A]) onStoreSentResult(st *state[A], res cmdStoreSentResult[A]) {
	if res.seqNr != st.currentSeqNr {
		err := delivery.NewInvariantError("producer", "StoreMessageSent ack seqNr %d does not match currentSeqNr %d", res.seqNr, st.currentSeqNr)
		slog.Error("producer invariant violation", "producer_id", c.id, "error", err)
		c.cancel()
		return
	}
	if res.err != nil {
		st.metrics.DurableStoreRetries++
		if res.attempt+1 >= c.config.MaxDurableRetries {
			slog.Error("producer: durable StoreMessageSent exhausted retries", "producer_id", c.id, "error", res.err)
			c.cancel()
			return
		}
		slog.Warn("producer: durable StoreMessageSent failed, retrying", "producer_id", c.id, "attempt", res.attempt, "error", res.err)
		time.AfterFunc(c.config.DurableStoreTimeoutDuration(), func() { c.beginStoreSent(st, res.pub, res.attempt+1) })
		return
	}
	c.completePublish(st, res.pub, res.pub.msg, true)
}

func (c *Controller[A]) fireStoreConfirmed(seqNr uint64) {
	durable := c.durable
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DurableStoreTimeoutDuration())
		defer cancel()
		if err := durable.StoreMessageConfirmed(ctx, delivery.Confirmed{SeqNr: seqNr, Qualifier: delivery.NoQualifier}); err != nil {
			slog.Warn("producer: StoreMessageConfirmed failed (write-behind, ignored)", "seq_nr", seqNr, "error", err)
		}
	}()
}
