package main

import (
	"encoding/binary"
	"fmt"

	"github.com/go-audio/audio"
	"github.com/jaracil/ttypcm"
)

// toS32 left-aligns a WAV sample in a signed 32-bit value. WAV files with a
// bit depth of 8 hold unsigned samples; wider ones are signed.
func toS32(v, bits int) int32 {
	if bits == 8 {
		return int32(v-128) << 24
	}
	return int32(v << (32 - bits))
}

// downmix averages interleaved channels into mono in place and returns the
// mono samples.
func downmix(data []int, channels int) []int {
	if channels <= 1 {
		return data
	}
	frames := len(data) / channels
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += data[i*channels+c]
		}
		data[i] = sum / channels
	}
	return data[:frames]
}

// encodeSamples appends mono samples of the given WAV bit depth to dst in
// the stream format.
func encodeSamples(dst []byte, samples []int, bits int, format ttypcm.Format) ([]byte, error) {
	for _, v := range samples {
		s := toS32(v, bits)
		switch format {
		case ttypcm.FormatU8:
			dst = append(dst, byte(s>>24)+128)
		case ttypcm.FormatS16LE:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(s>>16))
		case ttypcm.FormatS32LE:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(s))
		default:
			return dst, fmt.Errorf("unsupported stream format %v", format)
		}
	}
	return dst, nil
}

// decodeSamples converts stream bytes into a mono IntBuffer whose bit depth
// matches the stream format, ready for the WAV encoder.
func decodeSamples(data []byte, format ttypcm.Format, rate int) (*audio.IntBuffer, error) {
	size := format.FrameSize()
	if size == 0 {
		return nil, fmt.Errorf("unsupported stream format %v", format)
	}
	n := len(data) / size
	samples := make([]int, n)
	for i := 0; i < n; i++ {
		b := data[i*size:]
		switch format {
		case ttypcm.FormatU8:
			samples[i] = int(b[0])
		case ttypcm.FormatS16LE:
			samples[i] = int(int16(binary.LittleEndian.Uint16(b)))
		case ttypcm.FormatS32LE:
			samples[i] = int(int32(binary.LittleEndian.Uint32(b)))
		}
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: format.Bits(),
	}, nil
}
