// Package durablequeue provides DurableProducerQueue implementations: an
// in-memory store for tests and non-durable deployments, and a SQLite-backed
// store for real persistence across producer restarts.
package durablequeue

import (
	"context"
	"sync"

	"github.com/jrepp/reliable-delivery/pkg/delivery"
)

// Memory is a DurableProducerQueue backed by a mutex-guarded in-memory
// state. It satisfies the interface's contract but loses everything on
// process exit; use SQLite for real durability.
type Memory[A any] struct {
	mu    sync.Mutex
	state delivery.DurableState[A]
}

// NewMemory returns an empty in-memory durable queue.
func NewMemory[A any]() *Memory[A] {
	return &Memory[A]{state: delivery.NewDurableState[A]()}
}

func (m *Memory[A]) LoadState(_ context.Context) (delivery.DurableState[A], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneLocked(), nil
}

func (m *Memory[A]) StoreMessageSent(_ context.Context, sent delivery.MessageSent[A]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sent.SeqNr >= m.state.CurrentSeqNr {
		m.state.CurrentSeqNr = sent.SeqNr + 1
	}
	for i, existing := range m.state.Unconfirmed {
		if existing.SeqNr == sent.SeqNr {
			m.state.Unconfirmed[i] = sent
			return nil
		}
	}
	m.state.Unconfirmed = append(m.state.Unconfirmed, sent)
	return nil
}

func (m *Memory[A]) StoreMessageConfirmed(_ context.Context, confirmed delivery.Confirmed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.ConfirmedSeqNrByQualifier == nil {
		m.state.ConfirmedSeqNrByQualifier = map[string]uint64{}
	}
	if confirmed.SeqNr > m.state.ConfirmedSeqNrByQualifier[confirmed.Qualifier] {
		m.state.ConfirmedSeqNrByQualifier[confirmed.Qualifier] = confirmed.SeqNr
	}
	if confirmed.SeqNr > m.state.HighestConfirmedSeqNr {
		m.state.HighestConfirmedSeqNr = confirmed.SeqNr
	}

	kept := m.state.Unconfirmed[:0]
	for _, u := range m.state.Unconfirmed {
		if u.Qualifier == confirmed.Qualifier && u.SeqNr <= confirmed.SeqNr {
			continue
		}
		kept = append(kept, u)
	}
	m.state.Unconfirmed = kept
	return nil
}

func (m *Memory[A]) Close() error { return nil }

func (m *Memory[A]) cloneLocked() delivery.DurableState[A] {
	out := delivery.DurableState[A]{
		CurrentSeqNr:              m.state.CurrentSeqNr,
		HighestConfirmedSeqNr:     m.state.HighestConfirmedSeqNr,
		ConfirmedSeqNrByQualifier: make(map[string]uint64, len(m.state.ConfirmedSeqNrByQualifier)),
		Unconfirmed:               make([]delivery.MessageSent[A], len(m.state.Unconfirmed)),
	}
	for k, v := range m.state.ConfirmedSeqNrByQualifier {
		out.ConfirmedSeqNrByQualifier[k] = v
	}
	copy(out.Unconfirmed, m.state.Unconfirmed)
	return out
}
