package ttypcm

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestBaudTable_RoundTrip(t *testing.T) {
	for _, rate := range Rates() {
		code := CodeFor(rate)
		if code == NoCode {
			t.Fatalf("CodeFor(%d) = NoCode", rate)
		}
		if got := RateFor(code); got != rate {
			t.Errorf("RateFor(CodeFor(%d)) = %d", rate, got)
		}
		if got := CodeFor(RateFor(code)); got != code {
			t.Errorf("CodeFor(RateFor(%#x)) = %#x", code, got)
		}
	}
}

func TestBaudTable_NoMatch(t *testing.T) {
	tests := []struct {
		name string
		rate int
	}{
		{"zero", 0},
		{"negative", -9600},
		{"between entries", 14400},
		{"above table", 460800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeFor(tt.rate); got != NoCode {
				t.Errorf("CodeFor(%d) = %#x, want NoCode", tt.rate, got)
			}
			if IsSupportedRate(tt.rate) {
				t.Errorf("IsSupportedRate(%d) = true", tt.rate)
			}
		})
	}

	if got := RateFor(NoCode); got != NoRate {
		t.Errorf("RateFor(NoCode) = %d, want NoRate", got)
	}
	if got := RateFor(unix.B0); got != NoRate {
		t.Errorf("RateFor(B0) = %d, want NoRate", got)
	}
}

func TestBaudTable_Bounds(t *testing.T) {
	rates := Rates()
	if rates[0] != 50 || rates[len(rates)-1] != 230400 {
		t.Errorf("Rates() spans %d..%d, want 50..230400", rates[0], rates[len(rates)-1])
	}
	for i := 1; i < len(rates); i++ {
		if rates[i] <= rates[i-1] {
			t.Errorf("Rates() not ascending at %d: %d <= %d", i, rates[i], rates[i-1])
		}
	}
}
