package dpm

import (
	"strings"
	"testing"

	"github.com/dzarda/pdbsink/pdmsg"
)

func fixedPDO(voltageMV, maxCurrentMA uint16) pdmsg.PDO {
	var f pdmsg.FixedSupplyPDO
	f.SetVoltage(voltageMV)
	f.SetMaxCurrent(maxCurrentMA)
	return pdmsg.PDO(f)
}

func ppsPDO(minMV, maxMV, maxCurrentMA uint16) pdmsg.PDO {
	p := pdmsg.NewPPSPDO()
	p.SetMinVoltage(minMV)
	p.SetMaxVoltage(maxMV)
	p.SetMaxCurrent(maxCurrentMA)
	return pdmsg.PDO(p)
}

func TestTableOptionalHooksNilSafe(t *testing.T) {
	var tbl Table
	tbl.CallPDStart()
	if tbl.GivebackSupported() {
		t.Errorf("GivebackSupported() = true on empty Table, want false")
	}
	tbl.TransitionDefaultIfSet()
	tbl.TransitionMinIfSet()
	tbl.TransitionStandbyIfSet()
	tbl.TransitionRequestedIfSet()
	tbl.TransitionTypeCIfSet()
	tbl.NotSupportedReceivedIfSet()
	if _, ok := tbl.EvaluateTypeCCurrentIfSet(0); ok {
		t.Errorf("EvaluateTypeCCurrentIfSet() ok = true on empty Table, want false")
	}
}

func TestTableInvokesSetHooks(t *testing.T) {
	var started, transitioned bool
	tbl := Table{
		PDStart:           func() { started = true },
		TransitionDefault: func() { transitioned = true },
		GivebackEnabled:   func() bool { return true },
	}
	tbl.CallPDStart()
	tbl.TransitionDefaultIfSet()
	if !started || !transitioned {
		t.Errorf("hooks not invoked: started=%v transitioned=%v", started, transitioned)
	}
	if !tbl.GivebackSupported() {
		t.Errorf("GivebackSupported() = false, want true")
	}
}

func TestCCPolicyValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       CCPolicy
		wantErr bool
	}{
		{"valid", CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 1000, MaxCurrent: 3000}, false},
		{"current too low", CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 500, MaxCurrent: 3000}, true},
		{"voltage too low", CCPolicy{MinVoltage: 1000, MaxVoltage: 12000, MinCurrent: 1000, MaxCurrent: 3000}, true},
		{"min current over max", CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 3000, MaxCurrent: 1000}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.p.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestCCPolicyEvaluateCapabilitiesPrefersHigherVoltage(t *testing.T) {
	c := CCPolicy{MinVoltage: 3300, MaxVoltage: 20000, MinCurrent: 1000, MaxCurrent: 3000}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 11000, 3000),
		ppsPDO(3300, 16000, 3000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 3 {
		t.Fatalf("SelectedObjectPosition() = %d, want 3", rdo.SelectedObjectPosition())
	}
	if rdo.PPSOutputVoltage() != 16000 {
		t.Errorf("PPSOutputVoltage() = %d, want 16000", rdo.PPSOutputVoltage())
	}
}

func TestCCPolicyEvaluateCapabilitiesNoMatch(t *testing.T) {
	c := CCPolicy{MinVoltage: 3300, MaxVoltage: 20000, MinCurrent: 4000, MaxCurrent: 5000}
	pdos := []pdmsg.PDO{ppsPDO(3300, 11000, 3000)}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo != pdmsg.EmptyRequestDO {
		t.Errorf("EvaluateCapabilities() = %v, want EmptyRequestDO", rdo)
	}
}

func TestCVPolicyPrefersFixedOverPPS(t *testing.T) {
	c := CVPolicy{MinVoltage: 4500, MaxVoltage: 5500, Current: 2000}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 5900, 3000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("SelectedObjectPosition() = %d, want 1 (fixed)", rdo.SelectedObjectPosition())
	}
	if rdo.FixedOperatingCurrent() != 2000 {
		t.Errorf("FixedOperatingCurrent() = %d, want 2000", rdo.FixedOperatingCurrent())
	}
}

func TestCVPolicyFallsBackToPPS(t *testing.T) {
	c := CVPolicy{MinVoltage: 9000, MaxVoltage: 9000, Current: 2000}
	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 11000, 3000),
	}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 2 {
		t.Fatalf("SelectedObjectPosition() = %d, want 2 (pps)", rdo.SelectedObjectPosition())
	}
	if rdo.PPSOutputVoltage() != 9000 {
		t.Errorf("PPSOutputVoltage() = %d, want 9000", rdo.PPSOutputVoltage())
	}
}

func TestCPPolicyFixedSupply(t *testing.T) {
	c := CPPolicy{MinVoltage: 4500, MaxVoltage: 5500, Power: 15000}
	pdos := []pdmsg.PDO{fixedPDO(5000, 3000)}
	rdo := c.EvaluateCapabilities(pdos)
	if rdo.SelectedObjectPosition() != 1 {
		t.Fatalf("SelectedObjectPosition() = %d, want 1", rdo.SelectedObjectPosition())
	}
	// 15000mW at 5000mV is 3000mA, exactly the fixed PDO's maximum current.
	if rdo.FixedOperatingCurrent() != fixedPDOMaxCurrent {
		t.Errorf("FixedOperatingCurrent() = %d, want %d", rdo.FixedOperatingCurrent(), fixedPDOMaxCurrent)
	}
}

const fixedPDOMaxCurrent = 3000

func TestNewTableValidatesPolicy(t *testing.T) {
	bad := CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 500, MaxCurrent: 3000}
	if _, err := NewTable(bad, nil); err == nil {
		t.Fatalf("NewTable() with invalid policy returned nil error")
	}

	good := CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 1000, MaxCurrent: 3000}
	sinkCaps := []pdmsg.PDO{fixedPDO(5000, 1000)}
	tbl, err := NewTable(good, sinkCaps)
	if err != nil {
		t.Fatalf("NewTable() = %v", err)
	}
	if tbl.EvaluateCapability == nil || tbl.GetSinkCapability == nil {
		t.Fatalf("NewTable() did not wire EvaluateCapability/GetSinkCapability")
	}
	if got := tbl.GetSinkCapability(); len(got) != 1 || got[0] != sinkCaps[0] {
		t.Errorf("GetSinkCapability() = %v, want %v", got, sinkCaps)
	}
}

func TestLoggerWritesDescriptionsAndDelegates(t *testing.T) {
	var sb strings.Builder
	base := CCPolicy{MinVoltage: 3300, MaxVoltage: 12000, MinCurrent: 1000, MaxCurrent: 3000}
	l := NewLogger(&sb, "\n", base)

	pdos := []pdmsg.PDO{
		fixedPDO(5000, 3000),
		ppsPDO(3300, 11000, 3000),
	}
	rdo := l.EvaluateCapabilities(pdos)

	out := sb.String()
	if !strings.Contains(out, "Fixed") {
		t.Errorf("log output missing Fixed PDO description: %q", out)
	}
	if !strings.Contains(out, "Programmable") {
		t.Errorf("log output missing Programmable PDO description: %q", out)
	}
	if rdo != base.EvaluateCapabilities(pdos) {
		t.Errorf("Logger did not delegate to base policy")
	}
}

func TestLoggerWithoutBaseReturnsEmpty(t *testing.T) {
	var sb strings.Builder
	l := NewLogger(&sb, "\n", nil)
	rdo := l.EvaluateCapabilities([]pdmsg.PDO{fixedPDO(5000, 3000)})
	if rdo != pdmsg.EmptyRequestDO {
		t.Errorf("EvaluateCapabilities() = %v, want EmptyRequestDO", rdo)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("Validate() with nil base = %v, want nil", err)
	}
}
