// Package prltx implements the Protocol TX layer state machine: it stamps
// outgoing messages with a MessageID, hands them to the PHY, waits for the
// GoodCRC/retry-exhausted indication, and reports success or failure to the
// policy engine.
//
// Because the PHY retries automatically, there is no Check_RetryCounter
// state and no retry counter kept here at all.
package prltx

import (
	"context"
	"time"

	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/mbox"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/phy"
)

type state uint8

const (
	statePHYReset state = iota
	stateWaitMessage
	stateReset
	stateConstructMessage
	stateWaitResponse
	stateMatchMessageID
	stateTransmissionError
	stateMessageSent
	stateDiscardMessage
)

// Machine is the Protocol TX state machine. Construct one with all fields
// populated and call Run in its own goroutine.
type Machine struct {
	Adapter phy.Adapter
	Events  *evt.Mask

	// RxEvents is Protocol RX's inbox, signaled to reset in step with this
	// machine.
	RxEvents *evt.Mask

	// PEEvents is the policy engine's inbox, signaled on TX success/failure.
	PEEvents *evt.Mask

	// Mailbox carries messages from the policy engine to be transmitted.
	Mailbox *mbox.Queue[pdmsg.Message]

	// PD3SpecRev reports whether the negotiated (or template) revision is
	// PD3.0, gating the collision-avoidance wait on SinkTxOK.
	PD3SpecRev func() bool

	// OnError is called, if set, whenever the PHY adapter returns an I/O
	// error. There is no recoverable I/O layer below this stack, so this is
	// purely a notification hook for sink.Config to propagate the failure.
	OnError func(error)

	// OnTransition, if set, is called with the outgoing and incoming state
	// name whenever the state actually changes, for sink.Config's trace.
	OnTransition func(from, to string)

	messageIDCounter uint8
	txMessage        *pdmsg.Message
}

// Run drives the state machine until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	st := statePHYReset

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var next state
		switch st {
		case statePHYReset:
			next = m.phyReset()
		case stateWaitMessage:
			next = m.waitMessage(ctx)
		case stateReset:
			next = m.reset()
		case stateConstructMessage:
			next = m.constructMessage()
		case stateWaitResponse:
			next = m.waitResponse(ctx)
		case stateMatchMessageID:
			next = m.matchMessageID()
		case stateTransmissionError:
			next = m.transmissionError()
		case stateMessageSent:
			next = m.messageSent()
		case stateDiscardMessage:
			next = m.discardMessage()
		}
		if next != st && m.OnTransition != nil {
			m.OnTransition(st.String(), next.String())
		}
		st = next
	}
}

func (s state) String() string {
	switch s {
	case statePHYReset:
		return "PHYReset"
	case stateWaitMessage:
		return "WaitMessage"
	case stateReset:
		return "Reset"
	case stateConstructMessage:
		return "ConstructMessage"
	case stateWaitResponse:
		return "WaitResponse"
	case stateMatchMessageID:
		return "MatchMessageID"
	case stateTransmissionError:
		return "TransmissionError"
	case stateMessageSent:
		return "MessageSent"
	case stateDiscardMessage:
		return "DiscardMessage"
	default:
		return "Unknown"
	}
}

func (m *Machine) phyReset() state {
	if err := m.Adapter.Reset(); err != nil && m.OnError != nil {
		m.OnError(err)
	}

	// If a message was pending when we got here, tell the policy engine we
	// failed to send it.
	if m.txMessage != nil {
		m.PEEvents.Set(evt.PETxErr)
	}
	m.txMessage = nil
	return stateWaitMessage
}

func (m *Machine) waitMessage(ctx context.Context) state {
	for {
		e := m.Events.WaitTimeout(evt.PRLTxReset|evt.PRLTxDiscard|evt.PRLTxMsgTX, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateWaitMessage
		default:
		}
		if e == 0 {
			continue
		}
		if e&evt.PRLTxReset != 0 {
			return statePHYReset
		}
		if e&evt.PRLTxDiscard != 0 {
			return stateDiscardMessage
		}
		if e&evt.PRLTxMsgTX != 0 {
			msg, ok := m.Mailbox.Pop()
			if !ok {
				continue
			}
			m.txMessage = &msg
			if !msg.IsData() && msg.Type() == pdmsg.TypeSoftReset {
				return stateReset
			}
			return stateConstructMessage
		}
	}
}

func (m *Machine) reset() state {
	m.messageIDCounter = 0
	m.RxEvents.Set(evt.PRLRxReset)
	return stateConstructMessage
}

func (m *Machine) constructMessage() state {
	e := m.Events.Take(evt.PRLTxReset | evt.PRLTxDiscard)
	if e&evt.PRLTxReset != 0 {
		return statePHYReset
	}
	if e&evt.PRLTxDiscard != 0 {
		return stateDiscardMessage
	}

	m.txMessage.SetID(m.messageIDCounter % 8)

	if m.PD3SpecRev != nil && m.PD3SpecRev() {
		if e := m.Events.Take(evt.PRLTxStartAMS); e&evt.PRLTxStartAMS != 0 {
			for {
				tcc, err := m.Adapter.GetTypeCCurrent()
				if err != nil || tcc == phy.TccSinkTxOK {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}

	if err := m.Adapter.SendMessage(*m.txMessage); err != nil {
		if m.OnError != nil {
			m.OnError(err)
		}
		return stateTransmissionError
	}
	return stateWaitResponse
}

func (m *Machine) waitResponse(ctx context.Context) state {
	for {
		e := m.Events.WaitTimeout(evt.PRLTxReset|evt.PRLTxDiscard|evt.PRLTxITxSent|evt.PRLTxIRetryFail, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateWaitResponse
		default:
		}
		if e == 0 {
			continue
		}
		if e&evt.PRLTxReset != 0 {
			return statePHYReset
		}
		if e&evt.PRLTxDiscard != 0 {
			return stateDiscardMessage
		}
		if e&evt.PRLTxITxSent != 0 {
			return stateMatchMessageID
		}
		if e&evt.PRLTxIRetryFail != 0 {
			return stateTransmissionError
		}
	}
}

func (m *Machine) matchMessageID() state {
	var goodCRC pdmsg.Message
	if err := m.Adapter.ReadMessage(&goodCRC); err != nil {
		return stateTransmissionError
	}
	if !goodCRC.IsData() && goodCRC.Type() == pdmsg.TypeGoodCRC &&
		goodCRC.ID() == m.messageIDCounter%8 {
		return stateMessageSent
	}
	return stateTransmissionError
}

func (m *Machine) transmissionError() state {
	m.messageIDCounter = (m.messageIDCounter + 1) % 8
	m.PEEvents.Set(evt.PETxErr)
	m.txMessage = nil
	return stateWaitMessage
}

func (m *Machine) messageSent() state {
	m.messageIDCounter = (m.messageIDCounter + 1) % 8
	m.PEEvents.Set(evt.PETxDone)
	m.txMessage = nil
	return stateWaitMessage
}

func (m *Machine) discardMessage() state {
	if m.txMessage != nil {
		m.messageIDCounter = (m.messageIDCounter + 1) % 8
	}
	return statePHYReset
}

// waitPollInterval bounds how long the blocking wait states sit before
// re-checking ctx, since evt.Mask has no context-aware wait of its own.
const waitPollInterval = 50 * time.Millisecond
