// Package phy defines the adapter contract between the protocol-layer state
// machines and a concrete PD PHY transceiver (e.g. a FUSB302B). It is
// deliberately a thin register/frame-level surface: MessageID stamping,
// retry/collision-avoidance policy, and GoodCRC interpretation all live
// above this interface in prltx/prlrx/prlhr, not inside an implementation of
// it.
package phy

import "github.com/dzarda/pdbsink/pdmsg"

// Status is a raw snapshot of the PHY's interrupt and status registers, as
// read in a single burst by the INT_N poller. Bit layout is adapter
// specific; INT_N poller implementations interpret these against whichever
// adapter they were built against (see the fusb302 package's Status bit
// constants).
type Status struct {
	InterruptA byte
	InterruptB byte
	Interrupt  byte
	Status0    byte
	Status1    byte
}

// TccLevel represents the USB Type-C current advertisement detected on CC,
// including the PD3.0 Rp meanings used for collision avoidance
// (SinkTxOK/SinkTxNG) once an explicit contract is in place.
type TccLevel uint8

// Type-C current levels.
const (
	TccDefault TccLevel = iota
	Tcc1A5
	Tcc3A0
	TccSinkTxOK
	TccSinkTxNG
)

// Adapter is the contract a PD PHY driver must satisfy to back this sink
// stack. All methods may be called from more than one goroutine (PRL_Rx,
// PRL_Tx, PRL_HR, and the INT_N poller each touch it), so implementations
// must serialize their own register access internally.
type Adapter interface {
	// Reset re-initializes the PHY: CC detection, auto-GoodCRC, RX/TX FIFOs.
	Reset() error

	// SendMessage frames m and writes it to the TX FIFO. It does not wait for
	// GoodCRC or a retry-exhausted indication; the caller observes that via
	// GetStatus.
	SendMessage(m pdmsg.Message) error

	// SendHardReset issues a hard reset ordered set on the wire.
	SendHardReset() error

	// ReadMessage copies the most recently received frame (including
	// GoodCRC replies) into m. Callers that only want non-GoodCRC frames
	// filter by m.Type()/m.IsData() themselves, matching how PRL_Rx is
	// specified to own that distinction rather than the adapter.
	ReadMessage(m *pdmsg.Message) error

	// GetStatus reads and clears the adapter's interrupt registers in one
	// burst, alongside the non-latched status registers.
	GetStatus() (Status, error)

	// GetTypeCCurrent reports the current CC advertisement, including the
	// PD3.0 SinkTxOK/SinkTxNG states once negotiated.
	GetTypeCCurrent() (TccLevel, error)

	// IntNAsserted reports whether the adapter's INT_N line is currently
	// asserted, for pollers that can observe the GPIO directly instead of
	// free-running.
	IntNAsserted() bool
}
