package delivery

import "context"

// DurableProducerQueue is the contract a ProducerController uses to persist
// sent-but-unconfirmed messages and the confirmed-sequence watermark, per
// §4.3. An implementation is assumed to be the exclusive backing store of a
// single ProducerController; a crash is expected to rehydrate state from
// the last persisted write.
//
// LoadState and StoreMessageSent are request/reply: the controller awaits
// the ack (or a timeout) before making further progress for that sequence
// number. StoreMessageConfirmed is fire-and-forget write-behind — its
// durability is best-effort, since at-least-once replay of the watermark is
// acceptable.
type DurableProducerQueue[A any] interface {
	// LoadState returns the last persisted state, or a fresh
	// NewDurableState if nothing has been persisted yet.
	LoadState(ctx context.Context) (DurableState[A], error)

	// StoreMessageSent persists one MessageSent and returns once durable.
	// The store records what it is given: the implementations in
	// internal/durablequeue accept any seqNr, replace an existing entry with
	// the same seqNr, and raise currentSeqNr to seqNr+1 when that is higher.
	// The controller, not the store, is responsible for only ever
	// presenting the next expected seqNr.
	StoreMessageSent(ctx context.Context, sent MessageSent[A]) error

	// StoreMessageConfirmed records an advance of the confirmed watermark
	// for qualifier. Implementations may treat this as best-effort.
	StoreMessageConfirmed(ctx context.Context, confirmed Confirmed) error

	// Close releases any resources the queue holds (file handles,
	// connections). Safe to call more than once.
	Close() error
}
