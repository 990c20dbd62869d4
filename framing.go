package ttypcm

const (
	// DLE is the escape byte of V.253 voice data shielding.
	DLE byte = 0x10
	// ETX follows DLE to mark the end of a voice segment.
	ETX byte = 0x03
)

// Encode appends src to dst with every DLE doubled and returns the extended
// slice. No end marker is added; ending a segment is up to the transport.
func Encode(dst, src []byte) []byte {
	for _, b := range src {
		if b == DLE {
			dst = append(dst, DLE, DLE)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// EncodedLen returns the length of Encode's output for src.
func EncodedLen(src []byte) int {
	n := len(src)
	for _, b := range src {
		if b == DLE {
			n++
		}
	}
	return n
}

// EndOfSegment returns the DLE ETX pair that terminates a voice segment.
func EndOfSegment() []byte {
	return []byte{DLE, ETX}
}

type decodeState int

const (
	stateNormal decodeState = iota
	stateEscape
	stateResync
)

// Decoder removes DLE shielding from a byte stream. The pending-escape state
// is kept between calls, so input may be split at any byte.
type Decoder struct {
	state    decodeState
	segments int
	desyncs  int
}

// Decode appends the payload carried by src to dst and returns the extended
// slice. DLE DLE yields one DLE and DLE ETX ends a segment. Any other byte
// after DLE loses sync: input is skipped until the next DLE or ETX.
func (d *Decoder) Decode(dst, src []byte) []byte {
	for _, b := range src {
		switch d.state {
		case stateNormal:
			if b == DLE {
				d.state = stateEscape
				continue
			}
			dst = append(dst, b)
		case stateEscape:
			switch b {
			case DLE:
				dst = append(dst, DLE)
				d.state = stateNormal
			case ETX:
				d.segments++
				d.state = stateNormal
			default:
				d.desyncs++
				d.state = stateResync
			}
		case stateResync:
			switch b {
			case DLE:
				d.state = stateEscape
			case ETX:
				d.state = stateNormal
			}
		}
	}
	return dst
}

// Pending reports whether the last byte seen was an unpaired DLE.
func (d *Decoder) Pending() bool {
	return d.state == stateEscape
}

// Segments returns the number of DLE ETX end markers seen.
func (d *Decoder) Segments() int {
	return d.segments
}

// Desyncs returns how many times an unknown escape sequence lost sync.
func (d *Decoder) Desyncs() int {
	return d.desyncs
}

// Reset returns the decoder to its initial state.
func (d *Decoder) Reset() {
	*d = Decoder{}
}
