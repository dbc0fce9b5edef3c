package pdmsg

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	var m Message
	m.SetType(TypeRequest)
	m.SetID(5)
	m.SetDataObjectCount(1)
	m.SetRevision(Revision30)
	m.SetPowerRole(PowerRoleSink)
	m.SetDataRole(DataRoleUFP)
	m.Data[0] = 0xdeadbeef

	var buf [MaxMessageBytes]byte
	n := m.ToBytes(buf[:])
	if n != 6 {
		t.Fatalf("ToBytes returned %d bytes, want 6", n)
	}

	got := FromBytes(buf[:n])
	if got.Type() != TypeRequest {
		t.Errorf("Type() = %v, want %v", got.Type(), TypeRequest)
	}
	if got.ID() != 5 {
		t.Errorf("ID() = %d, want 5", got.ID())
	}
	if got.DataObjectCount() != 1 {
		t.Errorf("DataObjectCount() = %d, want 1", got.DataObjectCount())
	}
	if got.Revision() != Revision30 {
		t.Errorf("Revision() = %v, want %v", got.Revision(), Revision30)
	}
	if got.PowerRole() != PowerRoleSink {
		t.Errorf("PowerRole() = %v, want %v", got.PowerRole(), PowerRoleSink)
	}
	if got.DataRole() != DataRoleUFP {
		t.Errorf("DataRole() = %v, want %v", got.DataRole(), DataRoleUFP)
	}
	if got.Data[0] != 0xdeadbeef {
		t.Errorf("Data[0] = %#x, want 0xdeadbeef", got.Data[0])
	}
	if !got.IsData() {
		t.Errorf("IsData() = false, want true")
	}
}

func TestControlMessageHasNoDataObjects(t *testing.T) {
	var m Message
	m.SetType(TypeAccept)
	if m.IsData() {
		t.Errorf("IsData() = true for a control message, want false")
	}
}

func TestExtendedDataSize(t *testing.T) {
	var m Message
	m.SetExtended(true)
	m.SetDataObjectCount(1)
	m.Data[0] = 30 // Data Size field in low 9 bits, exceeds MaxExtendedLegacyLen

	if !m.IsExtended() {
		t.Fatalf("IsExtended() = false, want true")
	}
	if got := m.DataSize(); got != 30 {
		t.Errorf("DataSize() = %d, want 30", got)
	}
	if !m.IsOverLengthExtended() {
		t.Errorf("IsOverLengthExtended() = false, want true for a 30-byte payload")
	}
}

func TestFixedSupplyPDO(t *testing.T) {
	pdo := NewFixedSupplyPDO()
	pdo.SetVoltage(5000)
	pdo.SetMaxCurrent(3000)

	if got := pdo.Voltage(); got != 5000 {
		t.Errorf("Voltage() = %d, want 5000", got)
	}
	if got := pdo.MaxCurrent(); got != 3000 {
		t.Errorf("MaxCurrent() = %d, want 3000", got)
	}
	if got := PDO(pdo).Type(); got != PDOTypeFixedSupply {
		t.Errorf("Type() = %v, want PDOTypeFixedSupply", got)
	}
}

func TestPPSPDO(t *testing.T) {
	pdo := NewPPSPDO()
	pdo.SetMinVoltage(3300)
	pdo.SetMaxVoltage(11000)
	pdo.SetMaxCurrent(3000)
	pdo.SetPowerLimited(true)

	if got := pdo.MinVoltage(); got != 3300 {
		t.Errorf("MinVoltage() = %d, want 3300", got)
	}
	if got := pdo.MaxVoltage(); got != 11000 {
		t.Errorf("MaxVoltage() = %d, want 11000", got)
	}
	if got := pdo.MaxCurrent(); got != 3000 {
		t.Errorf("MaxCurrent() = %d, want 3000", got)
	}
	if !pdo.IsPowerLimited() {
		t.Errorf("IsPowerLimited() = false, want true")
	}
	if !IsPPSAPDO(PDO(pdo)) {
		t.Errorf("IsPPSAPDO() = false, want true")
	}
}

func TestRequestDORounding(t *testing.T) {
	var rdo RequestDO
	rdo.SetSelectedObjectPosition(2)
	rdo.SetCapabilityMismatch(true)
	rdo.SetFixedOperatingCurrent(1505) // rounds down to nearest 10mA
	rdo.SetFixedMaxOperatingCurrent(3000)

	if got := rdo.SelectedObjectPosition(); got != 2 {
		t.Errorf("SelectedObjectPosition() = %d, want 2", got)
	}
	if !rdo.CapabilityMismatch() {
		t.Errorf("CapabilityMismatch() = false, want true")
	}
	if got := rdo.FixedOperatingCurrent(); got != 1500 {
		t.Errorf("FixedOperatingCurrent() = %d, want 1500", got)
	}
	if got := rdo.FixedMaxOperatingCurrent(); got != 3000 {
		t.Errorf("FixedMaxOperatingCurrent() = %d, want 3000", got)
	}
}

func TestRequestDOPPSRounding(t *testing.T) {
	var rdo RequestDO
	rdo.SetPPSOutputVoltage(5020)
	rdo.SetPPSOutputCurrent(1550)

	if got := rdo.PPSOutputVoltage(); got != 5020 {
		t.Errorf("PPSOutputVoltage() = %d, want 5020", got)
	}
	if got := rdo.PPSOutputCurrent(); got != 1550 {
		t.Errorf("PPSOutputCurrent() = %d, want 1550", got)
	}
}
