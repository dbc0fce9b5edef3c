// Package pe implements the sink-role Policy Engine: the master state
// machine that negotiates power contracts, handles PPS periodic
// re-requests, escalates through soft/hard reset, and falls back to legacy
// Type-C current when the source never responds to PD at all.
//
// The Policy Engine never touches the PHY directly (PRL_Rx/PRL_Tx/PRL_HR do
// that); its only PHY-adjacent dependency is the Type-C current readback
// needed by SourceUnresponsive, passed in as a narrow function value rather
// than the full phy.Adapter surface.
package pe

import (
	"context"
	"time"

	"github.com/dzarda/pdbsink/dpm"
	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/mbox"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/phy"
)

// waitPollInterval bounds how long the blocking wait states sit before
// re-checking ctx, since evt.Mask has no context-aware wait of its own.
const waitPollInterval = 50 * time.Millisecond

// Timing constants from USB-PD r2.0/r3.0, picked from within each named
// constant's spec range (see spec section 5).
const (
	tTypeCSinkWaitCap     = 620 * time.Millisecond
	tSenderResponse       = 30 * time.Millisecond
	tPSTransition         = 550 * time.Millisecond
	tPPSRequest           = 10 * time.Second
	tChunkingNotSupported = 50 * time.Millisecond
	tSinkRequest          = 100 * time.Millisecond
	tPDDebounce           = 40 * time.Millisecond
)

// nHardResetCount bounds hard reset attempts: once more than nHardResetCount
// hard resets have been attempted, the Policy Engine gives up on PD entirely
// and falls back to Type-C current alone.
const nHardResetCount = 2

// defaultRDO is sent in place of an EmptyRequestDO response from the DPM:
// a minimal 5V/100mA request against the first advertised PDO, the same
// fallback the teacher's tcpe package sends a non-PD source.
var defaultRDO = func() pdmsg.RequestDO {
	var r pdmsg.RequestDO
	r.SetSelectedObjectPosition(1)
	r.SetFixedOperatingCurrent(100)
	r.SetFixedMaxOperatingCurrent(100)
	r.SetCapabilityMismatch(true)
	return r
}()

type state uint8

const (
	stateStartup state = iota
	stateDiscovery
	stateWaitCap
	stateEvalCap
	stateSelectCap
	stateTransitionSink
	stateReady
	stateGetSourceCap
	stateGiveSinkCap
	stateHardReset
	stateTransitionDefault
	stateSoftReset
	stateSendSoftReset
	stateSendNotSupported
	stateChunkReceived
	stateNotSupportedReceived
	stateSourceUnresponsive
)

// readyWaitMask is every event Ready's fixed-priority dispatch reacts to.
const readyWaitMask = evt.PEReset | evt.PEMsgRX | evt.PEIOvrTemp |
	evt.PEGetSourceCap | evt.PENewPower | evt.PEPPSRequest

// Machine is the Policy Engine state machine. Construct one with all fields
// populated and call Run in its own goroutine.
type Machine struct {
	// Events is this machine's own inbox: set by PRL_Rx/PRL_Tx/PRL_HR and by
	// the hosting application (RequestSourceCap / NotifyNewPower).
	Events  *evt.Mask
	Mailbox *mbox.Queue[pdmsg.Message]

	// TxEvents and TxMailbox are Protocol TX's inbox and outbox.
	TxEvents  *evt.Mask
	TxMailbox *mbox.Queue[pdmsg.Message]

	// HrEvents is the Hard Reset machine's inbox.
	HrEvents *evt.Mask

	// DPM is the callback table this Policy Engine consults for every
	// capability and transition decision. Must not be nil.
	DPM *dpm.Table

	// TypeCCurrent reads the legacy Type-C current advertisement, used only
	// by SourceUnresponsive. May be nil if the hosting adapter can't supply
	// it, in which case SourceUnresponsive never calls DPM.EvaluateTypeCCurrent.
	TypeCCurrent func() (phy.TccLevel, error)

	// OnTransition, if set, is called with the outgoing and incoming state
	// names on every state change, for a caller that wants to trace the
	// session (see sink.Config's logrus wiring).
	OnTransition func(from, to string)

	hdrTemplate pdmsg.Message

	explicitContract      bool
	minPower              bool
	hardResetCounter      uint8
	hadContractSinceReset bool

	ppsIndex uint8
	lastPPS  uint8
	ppsTimer *time.Timer

	srcCaps *pdmsg.Message
	lastRDO pdmsg.RequestDO

	oldTccMatch   int8
	tccMatchCount int
}

// Run drives the state machine until ctx is done.
func (p *Machine) Run(ctx context.Context) {
	p.hdrTemplate = pdmsg.Message{}
	p.hdrTemplate.SetPowerRole(pdmsg.PowerRoleSink)
	p.hdrTemplate.SetDataRole(pdmsg.DataRoleUFP)
	p.hdrTemplate.SetRevision(pdmsg.Revision10)
	p.hdrTemplate.SetExtended(false)

	st := stateStartup

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var next state
		switch st {
		case stateStartup:
			next = p.startup()
		case stateDiscovery:
			next = p.discovery()
		case stateWaitCap:
			next = p.waitCap(ctx)
		case stateEvalCap:
			next = p.evalCap()
		case stateSelectCap:
			next = p.selectCap(ctx)
		case stateTransitionSink:
			next = p.transitionSink(ctx)
		case stateReady:
			next = p.ready(ctx)
		case stateGetSourceCap:
			next = p.getSourceCap(ctx)
		case stateGiveSinkCap:
			next = p.giveSinkCap(ctx)
		case stateHardReset:
			next = p.hardReset(ctx)
		case stateTransitionDefault:
			next = p.transitionDefault()
		case stateSoftReset:
			next = p.softReset(ctx)
		case stateSendSoftReset:
			next = p.sendSoftReset(ctx)
		case stateSendNotSupported:
			next = p.sendNotSupported(ctx)
		case stateChunkReceived:
			next = p.chunkReceived(ctx)
		case stateNotSupportedReceived:
			next = p.notSupportedReceived()
		case stateSourceUnresponsive:
			next = p.sourceUnresponsive(ctx)
		}

		if next != st && p.OnTransition != nil {
			p.OnTransition(st.String(), next.String())
		}
		st = next
	}
}

// RequestSourceCap asks the Policy Engine to start an AMS requesting a fresh
// Source_Capabilities, if it is currently in Ready.
func (p *Machine) RequestSourceCap() { p.Events.Set(evt.PEGetSourceCap) }

// NotifyNewPower tells the Policy Engine local power requirements changed
// and the cached Source_Capabilities should be re-evaluated, if currently
// in Ready.
func (p *Machine) NotifyNewPower() { p.Events.Set(evt.PENewPower) }

func (p *Machine) isPD3() bool { return p.hdrTemplate.Revision() == pdmsg.Revision30 }

// IsPD3 reports whether the negotiated (or template) spec revision is
// PD3.0, for wiring into Protocol TX's PD3SpecRev collision-avoidance gate.
func (p *Machine) IsPD3() bool { return p.isPD3() }

func (p *Machine) startup() state {
	p.explicitContract = false
	if p.hadContractSinceReset {
		p.hardResetCounter = 0
		p.hadContractSinceReset = false
	}
	p.DPM.CallPDStart()
	return stateDiscovery
}

func (p *Machine) discovery() state {
	// VBUS is the only power source a sink observes, so presence is implicit.
	return stateWaitCap
}

func (p *Machine) waitCap(ctx context.Context) state {
	const mask = evt.PEMsgRX | evt.PEIOvrTemp | evt.PEReset
	for {
		e := p.Events.WaitTimeout(mask, tTypeCSinkWaitCap)
		select {
		case <-ctx.Done():
			return stateWaitCap
		default:
		}
		if e == 0 {
			return stateHardReset
		}
		if e&evt.PEReset != 0 {
			return stateTransitionDefault
		}
		if e&evt.PEIOvrTemp != 0 {
			continue
		}
		if e&evt.PEMsgRX != 0 {
			m, ok := p.Mailbox.Pop()
			if !ok {
				continue
			}
			if m.IsData() && m.Type() == pdmsg.TypeSourceCap && m.DataObjectCount() >= 1 {
				rev := m.Revision()
				if p.hdrTemplate.Revision() == pdmsg.Revision10 {
					if rev >= pdmsg.Revision30 {
						p.hdrTemplate.SetRevision(pdmsg.Revision30)
					} else {
						p.hdrTemplate.SetRevision(pdmsg.Revision20)
					}
				}
				p.srcCaps = &m
				return stateEvalCap
			}
			if !m.IsData() && m.Type() == pdmsg.TypeSoftReset && m.DataObjectCount() == 0 {
				return stateSoftReset
			}
			return stateHardReset
		}
	}
}

func (p *Machine) evalCap() state {
	if p.srcCaps == nil {
		return stateHardReset
	}
	n := p.srcCaps.DataObjectCount()
	p.ppsIndex = 8
	pdos := make([]pdmsg.PDO, n)
	for i := uint8(0); i < n; i++ {
		pdo := pdmsg.PDO(p.srcCaps.Data[i])
		pdos[i] = pdo
		if p.ppsIndex == 8 && pdo.Type() == pdmsg.PDOTypePPS {
			p.ppsIndex = i + 1
		}
	}
	p.lastRDO = p.DPM.EvaluateCapability(pdos)
	return stateSelectCap
}

func (p *Machine) selectCap(ctx context.Context) state {
	if p.lastRDO == pdmsg.EmptyRequestDO {
		p.lastRDO = defaultRDO
	}
	switch p.postAndWaitTxCtx(ctx, p.buildDataMessage(pdmsg.TypeRequest, uint32(p.lastRDO))) {
	case txReset:
		return stateTransitionDefault
	case txFail:
		return stateHardReset
	}

	if p.isPD3() {
		if p.lastRDO.SelectedObjectPosition() >= p.ppsIndex {
			p.armPPSTimer()
		} else {
			p.disarmPPSTimer()
		}
	}

	const mask = evt.PEMsgRX | evt.PEReset
	e := p.Events.WaitTimeout(mask, tSenderResponse)
	select {
	case <-ctx.Done():
		return stateSelectCap
	default:
	}
	if e == 0 {
		return stateHardReset
	}
	if e&evt.PEReset != 0 {
		return stateTransitionDefault
	}

	m, ok := p.Mailbox.Pop()
	if !ok {
		return stateHardReset
	}
	if m.IsData() {
		return stateSendSoftReset
	}
	switch m.Type() {
	case pdmsg.TypeAccept:
		if p.lastRDO.SelectedObjectPosition() != p.lastPPS {
			p.DPM.TransitionStandbyIfSet()
		}
		if p.lastRDO.SelectedObjectPosition() >= p.ppsIndex {
			p.lastPPS = p.lastRDO.SelectedObjectPosition()
		} else {
			p.lastPPS = 8
		}
		p.minPower = false
		return stateTransitionSink
	case pdmsg.TypeSoftReset:
		return stateSoftReset
	case pdmsg.TypeReject, pdmsg.TypeWait:
		if !p.explicitContract {
			return stateWaitCap
		}
		p.minPower = m.Type() == pdmsg.TypeWait
		return stateReady
	default:
		return stateSendSoftReset
	}
}

func (p *Machine) transitionSink(ctx context.Context) state {
	const mask = evt.PEMsgRX | evt.PEReset
	e := p.Events.WaitTimeout(mask, tPSTransition)
	select {
	case <-ctx.Done():
		return stateTransitionSink
	default:
	}
	if e == 0 {
		return stateHardReset
	}
	if e&evt.PEReset != 0 {
		return stateTransitionDefault
	}
	m, ok := p.Mailbox.Pop()
	if !ok {
		return stateHardReset
	}
	if !m.IsData() && m.Type() == pdmsg.TypePSReady && m.DataObjectCount() == 0 {
		p.explicitContract = true
		p.hadContractSinceReset = true
		if !p.minPower {
			p.DPM.TransitionRequestedIfSet()
		}
		return stateReady
	}
	p.DPM.TransitionDefaultIfSet()
	return stateHardReset
}

func (p *Machine) ready(ctx context.Context) state {
	timeout := waitPollInterval
	if p.minPower {
		timeout = tSinkRequest
	}

	e := p.Events.WaitTimeout(readyWaitMask, timeout)
	select {
	case <-ctx.Done():
		return stateReady
	default:
	}

	if e == 0 {
		if p.minPower {
			return stateSelectCap
		}
		return stateReady
	}
	if e&evt.PEReset != 0 {
		return stateTransitionDefault
	}
	if e&evt.PEIOvrTemp != 0 {
		return stateHardReset
	}
	if e&evt.PEGetSourceCap != 0 {
		p.TxEvents.Set(evt.PRLTxStartAMS)
		return stateGetSourceCap
	}
	if e&evt.PENewPower != 0 {
		p.TxEvents.Set(evt.PRLTxStartAMS)
		return stateEvalCap
	}
	if e&evt.PEPPSRequest != 0 {
		p.TxEvents.Set(evt.PRLTxStartAMS)
		return stateSelectCap
	}
	if e&evt.PEMsgRX != 0 {
		return p.readyDispatch()
	}
	return stateReady
}

func (p *Machine) readyDispatch() state {
	m, ok := p.Mailbox.Pop()
	if !ok {
		return stateReady
	}

	if m.IsData() {
		switch m.Type() {
		case pdmsg.TypeVendorDefined:
			return stateReady
		case pdmsg.TypeRequest, pdmsg.TypeSinkCap:
			return stateSendNotSupported
		case pdmsg.TypeSourceCap:
			p.srcCaps = &m
			return stateEvalCap
		}
		if p.isPD3() && m.IsOverLengthExtended() {
			return stateChunkReceived
		}
		return stateSendSoftReset
	}

	switch m.Type() {
	case pdmsg.TypePing:
		return stateReady
	case pdmsg.TypeDRSwap, pdmsg.TypeGetSourceCap, pdmsg.TypePRSwap, pdmsg.TypeVCONNSwap:
		return stateSendNotSupported
	case pdmsg.TypeGotoMin:
		if p.DPM.GivebackSupported() {
			p.DPM.TransitionMinIfSet()
			p.minPower = true
			return stateTransitionSink
		}
		return stateSendNotSupported
	case pdmsg.TypeGetSinkCap:
		return stateGiveSinkCap
	case pdmsg.TypeSoftReset:
		return stateSoftReset
	case pdmsg.TypeNotSupported:
		if p.isPD3() {
			return stateNotSupportedReceived
		}
		return stateSendSoftReset
	default:
		return stateSendSoftReset
	}
}

func (p *Machine) getSourceCap(ctx context.Context) state {
	ok := p.postAndWaitTxCtx(ctx, p.buildControlMessage(pdmsg.TypeGetSourceCap))
	if ok == txReset {
		return stateTransitionDefault
	}
	if ok == txFail {
		return stateHardReset
	}
	return stateReady
}

func (p *Machine) giveSinkCap(ctx context.Context) state {
	var pdos []pdmsg.PDO
	if p.DPM.GetSinkCapability != nil {
		pdos = p.DPM.GetSinkCapability()
	}
	m := p.hdrTemplate
	m.SetExtended(false)
	m.SetType(pdmsg.TypeSinkCap)
	n := len(pdos)
	if n > pdmsg.MaxDataObjects {
		n = pdmsg.MaxDataObjects
	}
	m.SetDataObjectCount(uint8(n))
	for i := 0; i < n; i++ {
		m.Data[i] = uint32(pdos[i])
	}

	res := p.postAndWaitTxCtx(ctx, m)
	if res == txReset {
		return stateTransitionDefault
	}
	if res == txFail {
		return stateHardReset
	}
	return stateReady
}

func (p *Machine) sendNotSupported(ctx context.Context) state {
	t := pdmsg.TypeNotSupported
	if !p.isPD3() {
		t = pdmsg.TypeReject
	}
	res := p.postAndWaitTxCtx(ctx, p.buildControlMessage(t))
	if res == txReset {
		return stateTransitionDefault
	}
	if res == txFail {
		return stateSendSoftReset
	}
	return stateReady
}

func (p *Machine) sendSoftReset(ctx context.Context) state {
	res := p.postAndWaitTxCtx(ctx, p.buildControlMessage(pdmsg.TypeSoftReset))
	if res == txReset {
		return stateTransitionDefault
	}
	if res == txFail {
		return stateHardReset
	}

	const mask = evt.PEMsgRX | evt.PEReset
	e := p.Events.WaitTimeout(mask, tSenderResponse)
	select {
	case <-ctx.Done():
		return stateSendSoftReset
	default:
	}
	if e == 0 {
		return stateHardReset
	}
	if e&evt.PEReset != 0 {
		return stateTransitionDefault
	}
	m, ok := p.Mailbox.Pop()
	if !ok {
		return stateHardReset
	}
	if !m.IsData() {
		switch m.Type() {
		case pdmsg.TypeAccept:
			return stateWaitCap
		case pdmsg.TypeSoftReset:
			return stateSoftReset
		}
	}
	return stateHardReset
}

func (p *Machine) hardReset(ctx context.Context) state {
	if p.hardResetCounter > nHardResetCount {
		return stateSourceUnresponsive
	}
	p.HrEvents.Set(evt.HardRstReset)
	for {
		e := p.Events.WaitTimeout(evt.PEHardSent, waitPollInterval)
		select {
		case <-ctx.Done():
			return stateHardReset
		default:
		}
		if e&evt.PEHardSent != 0 {
			break
		}
	}
	p.hardResetCounter++
	return stateTransitionDefault
}

func (p *Machine) transitionDefault() state {
	p.explicitContract = false
	p.srcCaps = nil
	p.disarmPPSTimer()
	p.DPM.TransitionDefaultIfSet()
	p.HrEvents.Set(evt.HardRstDone)
	return stateStartup
}

func (p *Machine) softReset(ctx context.Context) state {
	// PRL_Rx resets its own MessageID tracking on receiving Soft_Reset, so
	// all the Policy Engine does here is accept.
	res := p.postAndWaitTxCtx(ctx, p.buildControlMessage(pdmsg.TypeAccept))
	if res == txReset {
		return stateTransitionDefault
	}
	if res == txFail {
		return stateHardReset
	}
	return stateWaitCap
}

func (p *Machine) chunkReceived(ctx context.Context) state {
	e := p.Events.WaitTimeout(evt.PEReset, tChunkingNotSupported)
	select {
	case <-ctx.Done():
		return stateChunkReceived
	default:
	}
	if e&evt.PEReset != 0 {
		return stateTransitionDefault
	}
	return stateSendNotSupported
}

func (p *Machine) notSupportedReceived() state {
	p.DPM.NotSupportedReceivedIfSet()
	return stateReady
}

func (p *Machine) sourceUnresponsive(ctx context.Context) state {
	p.oldTccMatch = -1
	p.tccMatchCount = 0

	for {
		if p.TypeCCurrent != nil {
			if tcc, err := p.TypeCCurrent(); err == nil {
				if sample, ok := p.DPM.EvaluateTypeCCurrentIfSet(tcc); ok {
					if sample == p.oldTccMatch {
						p.tccMatchCount++
						if p.tccMatchCount == 2 {
							p.DPM.TransitionTypeCIfSet()
						}
					} else {
						p.tccMatchCount = 1
					}
					p.oldTccMatch = sample
				}
			}
		}

		e := p.Events.WaitTimeout(evt.PEReset, tPDDebounce)
		select {
		case <-ctx.Done():
			return stateSourceUnresponsive
		default:
		}
		if e&evt.PEReset != 0 {
			return stateTransitionDefault
		}
	}
}

// txResult classifies the outcome of a postAndWaitTxCtx call.
type txResult uint8

const (
	txOK txResult = iota
	txFail
	txReset
)

func (p *Machine) postAndWaitTxCtx(ctx context.Context, m pdmsg.Message) txResult {
	p.TxMailbox.Push(m)
	p.TxEvents.Set(evt.PRLTxMsgTX)

	const mask = evt.PETxDone | evt.PETxErr | evt.PEReset
	for {
		e := p.Events.WaitTimeout(mask, waitPollInterval)
		select {
		case <-ctx.Done():
			return txFail
		default:
		}
		if e&evt.PEReset != 0 {
			return txReset
		}
		if e&evt.PETxDone != 0 {
			return txOK
		}
		if e&evt.PETxErr != 0 {
			return txFail
		}
	}
}

func (p *Machine) buildControlMessage(t pdmsg.Type) pdmsg.Message {
	m := p.hdrTemplate
	m.SetType(t)
	m.SetDataObjectCount(0)
	return m
}

func (p *Machine) buildDataMessage(t pdmsg.Type, data0 uint32) pdmsg.Message {
	m := p.hdrTemplate
	m.SetType(t)
	m.SetDataObjectCount(1)
	m.Data[0] = data0
	return m
}

func (p *Machine) armPPSTimer() {
	p.disarmPPSTimer()
	p.ppsTimer = time.AfterFunc(tPPSRequest, func() {
		p.Events.Set(evt.PEPPSRequest)
	})
}

func (p *Machine) disarmPPSTimer() {
	if p.ppsTimer != nil {
		p.ppsTimer.Stop()
		p.ppsTimer = nil
	}
}

func (s state) String() string {
	switch s {
	case stateStartup:
		return "Startup"
	case stateDiscovery:
		return "Discovery"
	case stateWaitCap:
		return "WaitCap"
	case stateEvalCap:
		return "EvalCap"
	case stateSelectCap:
		return "SelectCap"
	case stateTransitionSink:
		return "TransitionSink"
	case stateReady:
		return "Ready"
	case stateGetSourceCap:
		return "GetSourceCap"
	case stateGiveSinkCap:
		return "GiveSinkCap"
	case stateHardReset:
		return "HardReset"
	case stateTransitionDefault:
		return "TransitionDefault"
	case stateSoftReset:
		return "SoftReset"
	case stateSendSoftReset:
		return "SendSoftReset"
	case stateSendNotSupported:
		return "SendNotSupported"
	case stateChunkReceived:
		return "ChunkReceived"
	case stateNotSupportedReceived:
		return "NotSupportedReceived"
	case stateSourceUnresponsive:
		return "SourceUnresponsive"
	default:
		return "Unknown"
	}
}
