package ttypcm

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"Empty", nil, nil},
		{"Plain", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"Single DLE", []byte{DLE}, []byte{DLE, DLE}},
		{"ETX untouched", []byte{ETX, 7}, []byte{ETX, 7}},
		{"Mixed", []byte{0x80, DLE, ETX, DLE, DLE}, []byte{0x80, DLE, DLE, ETX, DLE, DLE, DLE, DLE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(nil, tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Encode(%x) = %x, want %x", tt.in, got, tt.want)
			}
			if EncodedLen(tt.in) != len(tt.want) {
				t.Errorf("EncodedLen(%x) = %d, want %d", tt.in, EncodedLen(tt.in), len(tt.want))
			}
		})
	}
}

func TestEncode_EscapesArePaired(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		in := randomPayload(rng, rng.Intn(300))
		out := Encode(nil, in)
		for j := 0; j < len(out); j++ {
			if out[j] != DLE {
				continue
			}
			if j+1 >= len(out) || (out[j+1] != DLE && out[j+1] != ETX) {
				t.Fatalf("lone DLE at %d in %x", j, out)
			}
			j++
		}
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		in := randomPayload(rng, rng.Intn(300))
		var d Decoder
		got := d.Decode(nil, Encode(nil, in))
		if !bytes.Equal(got, in) {
			t.Fatalf("Decode(Encode(%x)) = %x", in, got)
		}
		if d.Segments() != 0 || d.Desyncs() != 0 {
			t.Fatalf("unexpected control events: segments=%d desyncs=%d", d.Segments(), d.Desyncs())
		}
	}
}

func TestDecode_SplitInput(t *testing.T) {
	in := []byte{1, DLE, 2, DLE, DLE, ETX, 3}
	encoded := Encode(nil, in)

	for cut := 0; cut <= len(encoded); cut++ {
		var d Decoder
		got := d.Decode(nil, encoded[:cut])
		got = d.Decode(got, encoded[cut:])
		if !bytes.Equal(got, in) {
			t.Errorf("cut at %d: got %x, want %x", cut, got, in)
		}
	}

	var d Decoder
	d.Decode(nil, []byte{5, DLE})
	if !d.Pending() {
		t.Error("trailing DLE should leave the escape pending")
	}
	if got := d.Decode(nil, []byte{DLE}); !bytes.Equal(got, []byte{DLE}) {
		t.Errorf("completing the pair yielded %x, want %x", got, []byte{DLE})
	}
}

func TestDecode_ControlSequences(t *testing.T) {
	tests := []struct {
		name     string
		in       []byte
		want     []byte
		segments int
		desyncs  int
	}{
		{"End of segment", []byte{1, DLE, ETX, 2}, []byte{1, 2}, 1, 0},
		{"Unknown escape skips to next DLE", []byte{1, DLE, 'b', 2, 3, DLE, DLE, 4}, []byte{1, DLE, 4}, 0, 1},
		{"Unknown escape skips to ETX", []byte{DLE, 'x', 9, ETX, 5}, []byte{5}, 0, 1},
		{"Resync into end of segment", []byte{DLE, 'x', DLE, ETX, 6}, []byte{6}, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			got := d.Decode(nil, tt.in)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Decode(%x) = %x, want %x", tt.in, got, tt.want)
			}
			if d.Segments() != tt.segments {
				t.Errorf("Segments() = %d, want %d", d.Segments(), tt.segments)
			}
			if d.Desyncs() != tt.desyncs {
				t.Errorf("Desyncs() = %d, want %d", d.Desyncs(), tt.desyncs)
			}
		})
	}
}

func TestDecoder_Reset(t *testing.T) {
	var d Decoder
	d.Decode(nil, []byte{DLE, ETX, DLE})
	d.Reset()
	if d.Pending() || d.Segments() != 0 {
		t.Error("Reset() should clear state and counters")
	}
	if got := d.Decode(nil, []byte{7}); !bytes.Equal(got, []byte{7}) {
		t.Errorf("after Reset got %x, want 07", got)
	}
}

// randomPayload favours the control bytes so escapes are well exercised.
func randomPayload(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		switch rng.Intn(4) {
		case 0:
			out[i] = DLE
		case 1:
			out[i] = ETX
		default:
			out[i] = byte(rng.Intn(256))
		}
	}
	return out
}
