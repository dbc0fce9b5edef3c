// Package prlhr implements the Hard Reset state machine: it coordinates a
// hard reset between the Protocol RX/TX machines, the PHY, and the policy
// engine, regardless of which side initiated it.
package prlhr

import (
	"context"
	"time"

	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/phy"
)

type state uint8

const (
	stateResetLayer state = iota
	stateIndicateHardReset
	stateRequestHardReset
	stateWaitPHY
	stateHardResetRequested
	stateWaitPE
	stateComplete
)

// tHardResetComplete bounds how long the machine waits for the PHY to
// confirm it finished sending the hard reset ordered set.
const tHardResetComplete = 5 * time.Millisecond

// Machine is the Hard Reset state machine. Construct one with all fields
// populated and call Run in its own goroutine.
type Machine struct {
	Adapter phy.Adapter
	Events  *evt.Mask

	RxEvents *evt.Mask
	TxEvents *evt.Mask
	PEEvents *evt.Mask

	// OnError is called, if set, whenever the PHY adapter returns an I/O
	// error while sending the hard reset ordered set.
	OnError func(error)

	// OnTransition, if set, is called with the outgoing and incoming state
	// name whenever the state actually changes, for sink.Config's trace.
	OnTransition func(from, to string)
}

// Run drives the state machine until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	st := stateResetLayer

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var next state
		switch st {
		case stateResetLayer:
			next = m.resetLayer(ctx)
		case stateIndicateHardReset:
			next = m.indicateHardReset()
		case stateRequestHardReset:
			next = m.requestHardReset()
		case stateWaitPHY:
			next = m.waitPHY(ctx)
		case stateHardResetRequested:
			next = m.hardResetRequested()
		case stateWaitPE:
			next = m.waitPE(ctx)
		case stateComplete:
			next = m.complete()
		}
		if next != st && m.OnTransition != nil {
			m.OnTransition(st.String(), next.String())
		}
		st = next
	}
}

func (s state) String() string {
	switch s {
	case stateResetLayer:
		return "ResetLayer"
	case stateIndicateHardReset:
		return "IndicateHardReset"
	case stateRequestHardReset:
		return "RequestHardReset"
	case stateWaitPHY:
		return "WaitPHY"
	case stateHardResetRequested:
		return "HardResetRequested"
	case stateWaitPE:
		return "WaitPE"
	case stateComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

func (m *Machine) resetLayer(ctx context.Context) state {
	var e uint32
	for {
		e = m.Events.WaitTimeout(evt.HardRstReset|evt.HardRstIHardRst, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateResetLayer
		default:
		}
		if e != 0 {
			break
		}
	}

	m.RxEvents.Set(evt.PRLRxReset)
	m.TxEvents.Set(evt.PRLTxReset)

	if e&evt.HardRstReset != 0 {
		return stateRequestHardReset
	}
	return stateIndicateHardReset
}

func (m *Machine) indicateHardReset() state {
	m.PEEvents.Set(evt.PEReset)
	return stateWaitPE
}

func (m *Machine) requestHardReset() state {
	if err := m.Adapter.SendHardReset(); err != nil && m.OnError != nil {
		m.OnError(err)
	}
	return stateWaitPHY
}

func (m *Machine) waitPHY(ctx context.Context) state {
	m.Events.WaitTimeout(evt.HardRstIHardSent, tHardResetComplete)
	select {
	case <-ctx.Done():
	default:
	}
	// Move on regardless of what made us stop waiting.
	return stateHardResetRequested
}

func (m *Machine) hardResetRequested() state {
	m.PEEvents.Set(evt.PEHardSent)
	return stateWaitPE
}

func (m *Machine) waitPE(ctx context.Context) state {
	for {
		e := m.Events.WaitTimeout(evt.HardRstDone, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateWaitPE
		default:
		}
		if e&evt.HardRstDone != 0 {
			return stateComplete
		}
	}
}

func (m *Machine) complete() state {
	return stateResetLayer
}

// waitPollInterval bounds how long the blocking wait states sit before
// re-checking ctx, since evt.Mask has no context-aware wait of its own.
const waitPollInterval = 50 * time.Millisecond
