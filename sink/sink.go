// Package sink wires the protocol-layer and policy-engine state machines,
// the INT_N poller, and a caller-supplied PHY adapter and DPM callback table
// into one running sink stack, the Go counterpart of the original firmware's
// pdb_init/pdb_run wiring in pdb.c.
package sink

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dzarda/pdbsink/dpm"
	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/mbox"
	"github.com/dzarda/pdbsink/intnpoller"
	"github.com/dzarda/pdbsink/pdmsg"
	"github.com/dzarda/pdbsink/pe"
	"github.com/dzarda/pdbsink/phy"
	"github.com/dzarda/pdbsink/prlhr"
	"github.com/dzarda/pdbsink/prlrx"
	"github.com/dzarda/pdbsink/prltx"
)

// mailboxCapacity bounds the PE<->Protocol TX and Protocol RX<->PE message
// queues. One pending message is all any of these links ever needs to carry,
// since each side fully drains before its counterpart posts again.
const mailboxCapacity = 4

// Config aggregates everything a sink stack needs and starts the five
// goroutines (Protocol RX, Protocol TX, Hard Reset, Policy Engine, and the
// INT_N poller) that make it up.
type Config struct {
	// Adapter is the PHY driver backing this stack, e.g. a *fusb302.FUSB302.
	Adapter phy.Adapter

	// DPM is the callback table the policy engine consults.
	DPM *dpm.Table

	// Log receives state-transition and error tracing, structured the way
	// logrus.Entry reports it. A nil Log means tracing is disabled.
	Log *logrus.Logger

	pe    pe.Machine
	prlrx prlrx.Machine
	prltx prltx.Machine
	prlhr prlhr.Machine
	intn  intnpoller.Machine
}

// Run wires the machines together and blocks until ctx is done or the PHY
// adapter reports an unrecoverable error, whichever comes first.
func (c *Config) Run(ctx context.Context) error {
	rxEvents := &evt.Mask{}
	txEvents := &evt.Mask{}
	hrEvents := &evt.Mask{}
	peEvents := &evt.Mask{}

	peMailbox := mbox.New[pdmsg.Message](mailboxCapacity)
	txMailbox := mbox.New[pdmsg.Message](mailboxCapacity)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		errOnce sync.Once
		errVal  error
	)
	setErr := func(err error) {
		errOnce.Do(func() {
			errVal = err
			cancel()
		})
	}
	onError := func(component string) func(error) {
		return func(err error) {
			if c.Log != nil {
				c.Log.WithField("component", component).WithError(err).Error("phy adapter error")
			}
			setErr(err)
		}
	}
	onTransition := func(component string) func(from, to string) {
		return func(from, to string) {
			if c.Log != nil {
				c.Log.WithFields(logrus.Fields{
					"component": component,
					"from":      from,
					"to":        to,
				}).Trace("state transition")
			}
		}
	}

	c.prlrx = prlrx.Machine{
		Adapter:      c.Adapter,
		Events:       rxEvents,
		TxEvents:     txEvents,
		PEEvents:     peEvents,
		PEMailbox:    peMailbox,
		OnTransition: onTransition("prlrx"),
	}
	c.prltx = prltx.Machine{
		Adapter:      c.Adapter,
		Events:       txEvents,
		RxEvents:     rxEvents,
		PEEvents:     peEvents,
		Mailbox:      txMailbox,
		PD3SpecRev:   c.pe.IsPD3,
		OnError:      onError("prltx"),
		OnTransition: onTransition("prltx"),
	}
	c.prlhr = prlhr.Machine{
		Adapter:      c.Adapter,
		Events:       hrEvents,
		RxEvents:     rxEvents,
		TxEvents:     txEvents,
		PEEvents:     peEvents,
		OnError:      onError("prlhr"),
		OnTransition: onTransition("prlhr"),
	}
	c.pe = pe.Machine{
		Events:       peEvents,
		Mailbox:      peMailbox,
		TxEvents:     txEvents,
		TxMailbox:    txMailbox,
		HrEvents:     hrEvents,
		DPM:          c.DPM,
		TypeCCurrent: c.Adapter.GetTypeCCurrent,
		OnTransition: onTransition("pe"),
	}
	c.intn = intnpoller.Machine{
		Adapter:  c.Adapter,
		RxEvents: rxEvents,
		TxEvents: txEvents,
		HrEvents: hrEvents,
		PEEvents: peEvents,
		OnError:  onError("intnpoller"),
	}

	var wg sync.WaitGroup
	start := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(runCtx)
		}()
	}

	start(c.prlrx.Run)
	start(c.prltx.Run)
	start(c.prlhr.Run)
	start(c.pe.Run)
	start(c.intn.Run)

	<-runCtx.Done()
	wg.Wait()

	if errVal != nil {
		return errVal
	}
	return ctx.Err()
}

// RequestSourceCap asks the policy engine to refresh Source_Capabilities,
// forwarding to the underlying pe.Machine. Safe to call once Run has
// started.
func (c *Config) RequestSourceCap() { c.pe.RequestSourceCap() }

// NotifyNewPower tells the policy engine local power requirements changed,
// forwarding to the underlying pe.Machine. Safe to call once Run has
// started.
func (c *Config) NotifyNewPower() { c.pe.NotifyNewPower() }
