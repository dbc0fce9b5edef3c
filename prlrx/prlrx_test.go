package prlrx

import (
	"context"
	"testing"
	"time"

	"github.com/dzarda/pdbsink/internal/evt"
	"github.com/dzarda/pdbsink/internal/mbox"
	"github.com/dzarda/pdbsink/internal/phytest"
	"github.com/dzarda/pdbsink/pdmsg"
)

func newTestMachine() (*Machine, *phytest.Adapter) {
	adapter := &phytest.Adapter{}
	m := &Machine{
		Adapter:   adapter,
		Events:    &evt.Mask{},
		TxEvents:  &evt.Mask{},
		PEEvents:  &evt.Mask{},
		PEMailbox: mbox.New[pdmsg.Message](4),
	}
	return m, adapter
}

func controlMessage(t pdmsg.Type, id uint8) pdmsg.Message {
	var m pdmsg.Message
	m.SetType(t)
	m.SetDataObjectCount(0)
	m.SetID(id)
	return m
}

func TestAcceptsFreshMessage(t *testing.T) {
	m, adapter := newTestMachine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	adapter.Deliver(controlMessage(pdmsg.TypeAccept, 0))
	m.Events.Set(evt.PRLRxIGCRCSent)

	deadline := time.After(time.Second)
	for {
		if got, ok := m.PEMailbox.Pop(); ok {
			if got.Type() != pdmsg.TypeAccept {
				t.Fatalf("got %v, want Accept", got.Type())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the message to reach the policy engine mailbox")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDropsRepeatedMessageID(t *testing.T) {
	m, adapter := newTestMachine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	adapter.Deliver(controlMessage(pdmsg.TypeAccept, 3))
	m.Events.Set(evt.PRLRxIGCRCSent)

	deadline := time.After(time.Second)
	for {
		if _, ok := m.PEMailbox.Pop(); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the first message")
		case <-time.After(time.Millisecond):
		}
	}

	// A retry with the same MessageID must not reach the policy engine a
	// second time, since the PHY's auto-GoodCRC already told the sender its
	// retry succeeded.
	adapter.Deliver(controlMessage(pdmsg.TypeAccept, 3))
	m.Events.Set(evt.PRLRxIGCRCSent)

	time.Sleep(50 * time.Millisecond)
	if _, ok := m.PEMailbox.Pop(); ok {
		t.Fatalf("repeated MessageID reached the policy engine mailbox")
	}
}
