package intnpoller

import (
	"context"
	"testing"
	"time"

	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/phytest"
	"github.com/dzarda/pdbsink/pdmsg"
)

func waitBit(t *testing.T, mask *evt.Mask, bit uint32) {
	t.Helper()
	if e := mask.WaitTimeout(bit, time.Second); e&bit == 0 {
		t.Fatalf("bit %#x not set within timeout", bit)
	}
}

func TestFanOut(t *testing.T) {
	adapter := &phytest.Adapter{}
	m := &Machine{
		Adapter:  adapter,
		RxEvents: &evt.Mask{},
		TxEvents: &evt.Mask{},
		HrEvents: &evt.Mask{},
		PEEvents: &evt.Mask{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	adapter.Deliver(pdmsg.Message{})
	waitBit(t, m.RxEvents, evt.PRLRxIGCRCSent)

	adapter.SignalTxSent()
	waitBit(t, m.TxEvents, evt.PRLTxITxSent)

	adapter.SignalRetryFail()
	waitBit(t, m.TxEvents, evt.PRLTxIRetryFail)

	adapter.SignalHardReset()
	waitBit(t, m.HrEvents, evt.HardRstIHardRst)

	adapter.SignalHardSent()
	waitBit(t, m.HrEvents, evt.HardRstIHardSent)

	adapter.SignalOverTemp()
	waitBit(t, m.PEEvents, evt.PEIOvrTemp)
}
