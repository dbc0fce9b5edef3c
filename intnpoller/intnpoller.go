// Package intnpoller drains the PHY's INT_N line and fans the interrupt
// bits it reports out to the protocol-layer and policy-engine event masks.
// It is not a state machine: it holds no state of its own beyond what the
// PHY reports on each poll, and its only job is translating phy.Status bits
// into evt.Mask bits for the four machines that care about them.
package intnpoller

import (
	"context"
	"time"

	"github.com/dzarda/pdbsink/fusb302"
	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/phy"
)

// pollInterval matches the teacher firmware's 1ms INT_N poll rate.
const pollInterval = time.Millisecond

// Machine polls phy.Adapter for asserted interrupts and signals the
// protocol-layer and policy-engine machines accordingly. Construct one with
// all fields populated and call Run in its own goroutine.
type Machine struct {
	Adapter phy.Adapter

	RxEvents *evt.Mask
	TxEvents *evt.Mask
	HrEvents *evt.Mask
	PEEvents *evt.Mask

	// OnError is called, if set, whenever the PHY adapter returns an I/O
	// error while reading status.
	OnError func(error)
}

// Run polls until ctx is done.
func (m *Machine) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !m.Adapter.IntNAsserted() {
			continue
		}

		status, err := m.Adapter.GetStatus()
		if err != nil {
			if m.OnError != nil {
				m.OnError(err)
			}
			continue
		}

		if status.InterruptB&fusb302.IntBGCRCSent != 0 {
			m.RxEvents.Set(evt.PRLRxIGCRCSent)
		}

		var txEvents uint32
		if status.InterruptA&fusb302.IntARetryFail != 0 {
			txEvents |= evt.PRLTxIRetryFail
		}
		if status.InterruptA&fusb302.IntATxSent != 0 {
			txEvents |= evt.PRLTxITxSent
		}
		if txEvents != 0 {
			m.TxEvents.Set(txEvents)
		}

		var hrEvents uint32
		if status.InterruptA&fusb302.IntAHardReset != 0 {
			hrEvents |= evt.HardRstIHardRst
		}
		if status.InterruptA&fusb302.IntAHardSent != 0 {
			hrEvents |= evt.HardRstIHardSent
		}
		if hrEvents != 0 {
			m.HrEvents.Set(hrEvents)
		}

		if status.InterruptA&fusb302.IntAOcpTemp != 0 &&
			status.Status1&fusb302.Status1OverTemp != 0 {
			m.PEEvents.Set(evt.PEIOvrTemp)
		}
	}
}
