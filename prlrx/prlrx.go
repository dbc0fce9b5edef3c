// Package prlrx implements the Protocol RX layer state machine: it reads
// frames handed to it by the PHY, rejects duplicate retries by MessageID,
// and hands fresh messages to the policy engine's mailbox.
//
// There is no Send_GoodCRC state, since the PHY sends the GoodCRC
// automatically; transitions that would go there instead go straight to
// checking the MessageID.
package prlrx

import (
	"context"
	"time"

	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/mbox"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/phy"
)

// waitPollInterval bounds how long waitPHY blocks before re-checking ctx,
// since evt.Mask has no context-aware wait of its own.
const waitPollInterval = 50 * time.Millisecond

type state uint8

const (
	stateWaitPHY state = iota
	stateReset
	stateCheckMessageID
	stateStoreMessageID
)

// noMessageID is the "impossible" MessageID used before any message has
// been accepted, so the first real message is never mistaken for a repeat.
const noMessageID = -1

// Machine is the Protocol RX state machine. Construct one with all fields
// populated and call Run in its own goroutine; Events is this machine's own
// inbox, set by the INT_N poller and the Hard Reset machine.
type Machine struct {
	Adapter phy.Adapter
	Events  *evt.Mask

	// TxEvents is Protocol TX's inbox, signaled to reset or discard in step
	// with this machine.
	TxEvents *evt.Mask

	// PEEvents and PEMailbox deliver accepted messages up to the policy
	// engine.
	PEEvents  *evt.Mask
	PEMailbox *mbox.Queue[pdmsg.Message]

	// OnTransition, if set, is called with the outgoing and incoming state
	// name whenever the state actually changes, for sink.Config's trace.
	OnTransition func(from, to string)

	rxMessageID int
	rxMessage   pdmsg.Message
}

// Run drives the state machine until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	m.rxMessageID = noMessageID
	st := stateWaitPHY

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var next state
		switch st {
		case stateWaitPHY:
			next = m.waitPHY(ctx)
		case stateReset:
			next = m.reset(ctx)
		case stateCheckMessageID:
			next = m.checkMessageID()
		case stateStoreMessageID:
			next = m.storeMessageID()
		}
		if next != st && m.OnTransition != nil {
			m.OnTransition(st.String(), next.String())
		}
		st = next
	}
}

func (s state) String() string {
	switch s {
	case stateWaitPHY:
		return "WaitPHY"
	case stateReset:
		return "Reset"
	case stateCheckMessageID:
		return "CheckMessageID"
	case stateStoreMessageID:
		return "StoreMessageID"
	default:
		return "Unknown"
	}
}

func (m *Machine) waitPHY(ctx context.Context) state {
	for {
		e := m.Events.WaitTimeout(evt.PRLRxReset|evt.PRLRxIGCRCSent, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateWaitPHY
		default:
		}
		if e == 0 {
			continue
		}
		if e&evt.PRLRxReset != 0 {
			return stateWaitPHY
		}
		if e&evt.PRLRxIGCRCSent != 0 {
			if err := m.Adapter.ReadMessage(&m.rxMessage); err != nil {
				continue
			}
			if !m.rxMessage.IsData() && m.rxMessage.Type() == pdmsg.TypeSoftReset {
				return stateReset
			}
			return stateCheckMessageID
		}
	}
}

func (m *Machine) reset(ctx context.Context) state {
	m.rxMessageID = noMessageID
	m.TxEvents.Set(evt.PRLTxReset)

	e := m.Events.Take(evt.PRLRxReset)
	if e&evt.PRLRxReset != 0 {
		return stateWaitPHY
	}
	return stateCheckMessageID
}

func (m *Machine) checkMessageID() state {
	if e := m.Events.Take(evt.PRLRxReset); e&evt.PRLRxReset != 0 {
		return stateWaitPHY
	}

	id := int(m.rxMessage.ID())
	if id == m.rxMessageID {
		// Seen this one before; the PHY's auto-GoodCRC already handled the
		// sender's retry, so there's nothing further to do.
		return stateWaitPHY
	}
	return stateStoreMessageID
}

func (m *Machine) storeMessageID() state {
	// Tell Protocol TX to discard whatever it's sending: the source has
	// started a new exchange while we had something outstanding.
	m.TxEvents.Set(evt.PRLTxDiscard)

	m.rxMessageID = int(m.rxMessage.ID())

	m.PEMailbox.Push(m.rxMessage)
	m.PEEvents.Set(evt.PEMsgRX)

	return stateWaitPHY
}
