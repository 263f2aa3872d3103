// Package delivery holds the wire and domain types shared by every
// component of the point-to-point reliable delivery protocol: the envelope
// that carries application payloads between a ProducerController and a
// ConsumerController, the flow-control signals that travel the other way,
// and the durable-queue events a producer may persist.
//
// The payload type A is opaque to the protocol; callers parameterize it
// with whatever message type they publish.
package delivery

import "fmt"

// NoQualifier is the empty qualifier, denoting the point-to-point case
// where a producer is not partitioned by entity id.
const NoQualifier = ""

// SequencedMessage is the wire envelope from a ProducerController to a
// ConsumerController. SeqNr is monotone and gap-free within a producer
// epoch, starting at 1 (or at a reloaded durable currentSeqNr).
type SequencedMessage[A any] struct {
	ProducerID string
	SeqNr      uint64
	Msg        A
	// First is set on the earliest message of a producer epoch, and on
	// retransmissions of that message, so the consumer can bootstrap or
	// rebind against it.
	First bool
	// Ack requests an explicit Ack reply from the consumer once the
	// message is confirmed, instead of waiting for the next Request.
	Ack bool
	// ProducerRef is an opaque identifier of the sending ProducerController
	// instance. The consumer compares it to detect a producer change
	// (§9 open question (c): an explicit epoch id would be cleaner, but the
	// protocol as specified compares producer references).
	ProducerRef string
}

// IsFirst reports whether this message opens (or reopens) an epoch.
func (m SequencedMessage[A]) IsFirst() bool { return m.First }

// Request is the consumer's flow-control signal to its producer.
// Invariant: ConfirmedSeqNr <= UpToSeqNr.
type Request struct {
	ConfirmedSeqNr uint64
	UpToSeqNr      uint64
	SupportResend  bool
	ViaTimeout     bool
}

// Validate enforces the Request invariant from §3.
func (r Request) Validate() error {
	if r.ConfirmedSeqNr > r.UpToSeqNr {
		return fmt.Errorf("delivery: invalid Request: confirmedSeqNr %d > upToSeqNr %d", r.ConfirmedSeqNr, r.UpToSeqNr)
	}
	return nil
}

// Resend asks the producer to retransmit everything from FromSeqNr inclusive.
type Resend struct {
	FromSeqNr uint64
}

// Ack is a lightweight confirmation sent between Request refreshes, used
// when the delivered SequencedMessage carried Ack=true.
type Ack struct {
	ConfirmedSeqNr uint64
}

// RegisterConsumer is sent by a ConsumerController to bind itself to a
// ProducerController; ConsumerRef identifies the registering consumer.
type RegisterConsumer struct {
	ConsumerRef string
}

// Delivery is the envelope a ConsumerController presents to the
// application consumer. The consumer must reply exactly
// once with Confirmed(SeqNr) via ConfirmTo.
type Delivery[A any] struct {
	ProducerID string
	SeqNr      uint64
	Msg        A
	ConfirmTo  func(seqNr uint64)
}

// MessageSent is the durable-queue event recorded when a producer has
// assigned a sequence number to an application message and is about to
// transmit it. Qualifier partitions the stream within one producer (the
// entity id, for sharding); NoQualifier denotes point-to-point.
type MessageSent[A any] struct {
	SeqNr     uint64
	Msg       A
	Ack       bool
	Qualifier string
}

// Confirmed is the durable-queue event recorded (write-behind, best effort)
// when the producer's confirmed watermark advances.
type Confirmed struct {
	SeqNr     uint64
	Qualifier string
}

// DurableState is what a DurableProducerQueue returns on LoadState: enough
// to reconstruct a ProducerController's in-memory state after a restart.
type DurableState[A any] struct {
	CurrentSeqNr              uint64
	HighestConfirmedSeqNr     uint64
	ConfirmedSeqNrByQualifier map[string]uint64
	Unconfirmed               []MessageSent[A]
}

// NewDurableState returns an empty initial state: nothing sent, nothing
// confirmed, sequencing begins at 1.
func NewDurableState[A any]() DurableState[A] {
	return DurableState[A]{
		CurrentSeqNr:              1,
		HighestConfirmedSeqNr:     0,
		ConfirmedSeqNrByQualifier: map[string]uint64{},
	}
}

// RequestNext is emitted by a ProducerController to the application
// producer whenever it is ready to accept exactly one more message.
type RequestNext[A any] struct {
	ProducerID     string
	CurrentSeqNr   uint64
	ConfirmedSeqNr uint64
	// SendNext accepts a plain application message.
	SendNext func(msg A)
	// AskNext accepts an application message together with a reply
	// function invoked exactly once with the assigned sequence number
	// (MessageWithConfirmation in §4.1).
	AskNext func(msg A, onAssigned func(seqNr uint64))
}

// HealthState mirrors the coarse health classification used across the
// ambient stack (producer, consumer and the NATS transport all report
// through it).
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// HealthStatus is returned by Health(ctx) on both controllers.
type HealthStatus struct {
	Status  HealthState
	Message string
	Details map[string]string
}

// InvariantError marks the fatal class of error from §7 kind 1/3: a
// programming-error-class violation of a protocol invariant (demand
// violated, sequence mismatch, unexpected confirmation). A controller that
// hits one logs it and stops its own run loop; no API call returns it.
type InvariantError struct {
	Component string
	Reason    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("delivery: invariant violation in %s: %s", e.Component, e.Reason)
}

func newInvariantError(component, format string, args ...any) *InvariantError {
	return &InvariantError{Component: component, Reason: fmt.Sprintf(format, args...)}
}

// NewInvariantError constructs an InvariantError for component, formatting
// Reason the way fmt.Errorf does.
func NewInvariantError(component, format string, args ...any) *InvariantError {
	return newInvariantError(component, format, args...)
}
