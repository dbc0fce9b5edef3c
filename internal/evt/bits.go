package evt

// Bit vocabulary shared by the protocol-layer and policy-engine state
// machines. Each machine owns one Mask and only ever Waits/Takes its own
// group of bits below; other machines and the INT_N poller Set bits into it
// by reference. Centralizing the vocabulary here (rather than having each
// machine's package export its own bits) avoids a signaling cycle between
// prlrx and prltx, which each need to kick the other's reset state.
const (
	// PRLRxReset asks Protocol RX to reset to PRLRxWaitPHY.
	PRLRxReset uint32 = 1 << iota
	// PRLRxIGCRCSent reports a GoodCRC was auto-sent by the PHY in response
	// to an inbound message, meaning a frame is ready to read.
	PRLRxIGCRCSent

	// PRLTxReset asks Protocol TX to reset to PRLTxPHYReset.
	PRLTxReset
	// PRLTxDiscard asks Protocol TX to abandon the message it is sending.
	PRLTxDiscard
	// PRLTxMsgTX tells Protocol TX a message is waiting in its mailbox.
	PRLTxMsgTX
	// PRLTxITxSent reports the PHY finished sending the pending message.
	PRLTxITxSent
	// PRLTxIRetryFail reports the PHY exhausted retries without a GoodCRC.
	PRLTxIRetryFail
	// PRLTxStartAMS asks Protocol TX to wait for SinkTxOK before sending,
	// PD3.0 collision avoidance for the first message of an AMS.
	PRLTxStartAMS

	// HardRstReset asks the Hard Reset machine to run a reset requested by
	// the Policy Engine.
	HardRstReset
	// HardRstIHardRst reports the PHY detected an incoming hard reset.
	HardRstIHardRst
	// HardRstIHardSent reports the PHY finished sending a hard reset.
	HardRstIHardSent
	// HardRstDone tells the Hard Reset machine the Policy Engine finished
	// reacting to the reset.
	HardRstDone

	// PEReset tells the Policy Engine a hard reset is starting.
	PEReset
	// PEMsgRX tells the Policy Engine a message is waiting in its mailbox.
	PEMsgRX
	// PETxErr tells the Policy Engine Protocol TX failed to send its message.
	PETxErr
	// PETxDone tells the Policy Engine Protocol TX succeeded.
	PETxDone
	// PEHardSent tells the Policy Engine the hard reset finished transmitting.
	PEHardSent
	// PEIOvrTemp tells the Policy Engine the PHY reported an over-temperature
	// condition alongside an over-current-protection trip.
	PEIOvrTemp
	// PEGetSourceCap asks the Policy Engine, from Ready, to start an AMS and
	// request a fresh Source_Capabilities from the source.
	PEGetSourceCap
	// PENewPower tells the Policy Engine, from Ready, that local power
	// requirements changed and the cached Source_Capabilities should be
	// re-evaluated against the (possibly updated) DPM policy.
	PENewPower
	// PEPPSRequest is raised by the Policy Engine's own PPS periodic timer
	// when a PPS contract needs its keep-alive re-request.
	PEPPSRequest
)
