package idcode

import "testing"

func TestParseDPIDR(t *testing.T) {
	tests := []struct {
		name     string
		raw      uint32
		version  uint8
		part     uint8
		designer string
		minDP    bool
	}{
		{"nRF52 SW-DP", 0x2BA01477, 1, 0xBA, "ARM", false},
		{"Cortex-M0+ MinDP", 0x0BC11477, 1, 0xBC, "ARM", true},
		{"DPv2", 0x0BB12477, 2, 0xBB, "ARM", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseDPIDR(tt.raw)
			if d.Version != tt.version || d.PartNumber != tt.part || d.MinDP != tt.minDP {
				t.Fatalf("ParseDPIDR(0x%08X) = %+v", tt.raw, d)
			}
			if !d.HasDesigner {
				t.Fatalf("designer bit not set")
			}
			m, ok := LookupManufacturer(d.Designer)
			if !ok || m.Abbreviation != tt.designer {
				t.Fatalf("designer 0x%03X = %+v, want %s", d.Designer, m, tt.designer)
			}
		})
	}
}

func TestParseAPIDR(t *testing.T) {
	ahb := ParseAPIDR(0x24770011)
	if !ahb.IsMemAP() || ahb.Type != 0x1 || ahb.Designer != 0x23B {
		t.Fatalf("AHB-AP parsed as %+v", ahb)
	}

	ctrl := ParseAPIDR(0x02880000)
	if ctrl.IsMemAP() {
		t.Fatalf("Nordic CTRL-AP reported as MEM-AP")
	}
	if m, _ := LookupManufacturer(ctrl.Designer); m.Abbreviation != "Nordic" {
		t.Fatalf("CTRL-AP designer = %s", m.Name)
	}
}

func TestLookupUnknownManufacturer(t *testing.T) {
	m, ok := LookupManufacturer(0x7FF)
	if ok {
		t.Fatalf("0x7FF should be unknown")
	}
	if m.Abbreviation != "Unknown" {
		t.Fatalf("Abbreviation = %q", m.Abbreviation)
	}
}
