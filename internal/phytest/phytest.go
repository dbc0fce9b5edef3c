// Package phytest implements a scripted phy.Adapter test double, used by the
// prlrx, prltx, prlhr, intnpoller and sink tests to drive the protocol-layer
// and policy-engine state machines through specific interrupt/frame
// sequences without real hardware.
package phytest

import (
	"sync"

	"github.com/dzarda/pdbsink/fusb302"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/phy"
)

// Adapter is a phy.Adapter double. The zero value is usable. Tests drive it
// by calling Deliver/SignalTxSent/SignalRetryFail/etc. from a goroutine
// playing the role of "the wire," while the state machines under test call
// the phy.Adapter methods from their own goroutines.
type Adapter struct {
	mu sync.Mutex

	tcc      phy.TccLevel
	tccErr   error
	resets   int
	hardRsts int

	sent []pdmsg.Message

	rxQueue []pdmsg.Message
	status  phy.Status

	sendErr  error
	resetErr error
}

var _ phy.Adapter = (*Adapter)(nil)

// Reset counts resets and returns the scripted ResetErr, if any.
func (a *Adapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
	return a.resetErr
}

// SendMessage records m for inspection by Sent and returns the scripted
// SendErr, if any.
func (a *Adapter) SendMessage(m pdmsg.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, m)
	return a.sendErr
}

// SendHardReset counts hard resets sent.
func (a *Adapter) SendHardReset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hardRsts++
	return nil
}

// ReadMessage pops the oldest queued inbound frame into m.
func (a *Adapter) ReadMessage(m *pdmsg.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.rxQueue) == 0 {
		return errNoMessage
	}
	*m = a.rxQueue[0]
	a.rxQueue = a.rxQueue[1:]
	return nil
}

// GetStatus returns the currently pending status/interrupt snapshot and
// clears the latched interrupt fields, matching a real adapter's
// read-clears-on-read interrupt registers.
func (a *Adapter) GetStatus() (phy.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.status
	a.status = phy.Status{Status0: s.Status0, Status1: s.Status1}
	return s, nil
}

// GetTypeCCurrent returns the scripted TccLevel.
func (a *Adapter) GetTypeCCurrent() (phy.TccLevel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tcc, a.tccErr
}

// IntNAsserted always reports true, matching the free-running fusb302
// driver this double stands in for.
func (a *Adapter) IntNAsserted() bool { return true }

// Deliver queues m as an inbound frame and raises the GoodCRC-sent
// interrupt bit so the INT_N poller (or a test calling GetStatus directly)
// sees it.
func (a *Adapter) Deliver(m pdmsg.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rxQueue = append(a.rxQueue, m)
	a.status.InterruptB |= fusb302.IntBGCRCSent
}

// SignalTxSent raises the TX-success interrupt bit for Protocol TX.
func (a *Adapter) SignalTxSent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.InterruptA |= fusb302.IntATxSent
}

// AckLastSent queues a GoodCRC reply matching the ID of the most recently
// sent message and raises the TX-success interrupt bit, the sequence
// Protocol TX expects after successfully sending a frame. It is a no-op if
// nothing has been sent yet.
func (a *Adapter) AckLastSent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return
	}
	var crc pdmsg.Message
	crc.SetType(pdmsg.TypeGoodCRC)
	crc.SetDataObjectCount(0)
	crc.SetID(a.sent[len(a.sent)-1].ID())
	a.rxQueue = append(a.rxQueue, crc)
	a.status.InterruptA |= fusb302.IntATxSent
}

// SignalRetryFail raises the retries-exhausted interrupt bit for Protocol
// TX.
func (a *Adapter) SignalRetryFail() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.InterruptA |= fusb302.IntARetryFail
}

// SignalHardReset raises the incoming-hard-reset interrupt bit.
func (a *Adapter) SignalHardReset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.InterruptA |= fusb302.IntAHardReset
}

// SignalHardSent raises the hard-reset-sent interrupt bit.
func (a *Adapter) SignalHardSent() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.InterruptA |= fusb302.IntAHardSent
}

// SignalOverTemp raises the OCP/over-temperature interrupt and status bits
// the policy engine's WaitCap and Ready states react to.
func (a *Adapter) SignalOverTemp() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.InterruptA |= fusb302.IntAOcpTemp
	a.status.Status1 |= fusb302.Status1OverTemp
}

// SetTypeCCurrent scripts the value (and error, if any) GetTypeCCurrent
// returns.
func (a *Adapter) SetTypeCCurrent(tcc phy.TccLevel, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tcc = tcc
	a.tccErr = err
}

// SetSendErr scripts the error SendMessage returns from then on.
func (a *Adapter) SetSendErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// Sent returns a copy of every message SendMessage has recorded so far.
func (a *Adapter) Sent() []pdmsg.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]pdmsg.Message, len(a.sent))
	copy(out, a.sent)
	return out
}

// Resets reports how many times Reset was called.
func (a *Adapter) Resets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

// HardResets reports how many times SendHardReset was called.
func (a *Adapter) HardResets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hardRsts
}

var errNoMessage = noMessageError{}

type noMessageError struct{}

func (noMessageError) Error() string { return "phytest: no message queued" }
