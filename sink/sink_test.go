package sink

import (
	"context"
	"testing"
	"time"

	"github.com/dzarda/pdbsink/dpm"
	"github.com/dzarda/pdbsink/internal/phytest"
	"github.com/dzarda/pdbsink/pdmsg"
)

func fixedSourcePDO(voltageMV, currentMA uint16) pdmsg.PDO {
	var f pdmsg.FixedSupplyPDO
	f.SetVoltage(voltageMV)
	f.SetMaxCurrent(currentMA)
	return pdmsg.PDO(f)
}

// TestFullNegotiation wires a Config around a scripted PHY and plays the
// source side of a single-PDO negotiation by hand, the same end-to-end
// scenario spec section 8 names as the basic success path, but exercised
// through the real Config.Run wiring instead of the pe package directly.
func TestFullNegotiation(t *testing.T) {
	adapter := &phytest.Adapter{}
	table := &dpm.Table{
		EvaluateCapability: func(pdos []pdmsg.PDO) pdmsg.RequestDO {
			var rdo pdmsg.RequestDO
			rdo.SetSelectedObjectPosition(1)
			rdo.SetFixedOperatingCurrent(3000)
			rdo.SetFixedMaxOperatingCurrent(3000)
			return rdo
		},
		GetSinkCapability: func() []pdmsg.PDO { return nil },
	}

	cfg := &Config{Adapter: adapter, DPM: table}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cfg.Run(ctx) }()

	srcID := uint8(0)
	deliverFromSource := func(m pdmsg.Message) {
		m.SetID(srcID)
		srcID = (srcID + 1) % 8
		adapter.Deliver(m)
	}

	var srcCap pdmsg.Message
	srcCap.SetType(pdmsg.TypeSourceCap)
	srcCap.SetRevision(pdmsg.Revision20)
	srcCap.SetDataObjectCount(1)
	srcCap.Data[0] = uint32(fixedSourcePDO(5000, 3000))
	deliverFromSource(srcCap)

	waitForSent := func(want pdmsg.Type) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			for _, m := range adapter.Sent() {
				if m.IsData() && m.Type() == want {
					return
				}
			}
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for a sent %v message", want)
			case <-time.After(time.Millisecond):
			}
		}
	}

	waitForSent(pdmsg.TypeRequest)
	adapter.AckLastSent()

	var accept pdmsg.Message
	accept.SetType(pdmsg.TypeAccept)
	accept.SetDataObjectCount(0)
	deliverFromSource(accept)

	var psReady pdmsg.Message
	psReady.SetType(pdmsg.TypePSReady)
	psReady.SetDataObjectCount(0)
	deliverFromSource(psReady)

	// Give Ready a few of its own poll cycles to settle, then confirm the
	// contract held: exactly the one Request went out and no hard reset
	// was triggered.
	time.Sleep(200 * time.Millisecond)
	if n := adapter.HardResets(); n != 0 {
		t.Fatalf("unexpected hard reset during a clean negotiation: %d", n)
	}
	sent := adapter.Sent()
	requests := 0
	for _, m := range sent {
		if m.IsData() && m.Type() == pdmsg.TypeRequest {
			requests++
		}
	}
	if requests != 1 {
		t.Fatalf("expected exactly 1 Request sent, got %d (total sent %d)", requests, len(sent))
	}

	cancel()
	if err := <-done; err != nil && err != context.Canceled {
		t.Fatalf("Config.Run returned unexpected error: %v", err)
	}
}
