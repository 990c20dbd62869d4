package main

import (
	"testing"

	"github.com/jaracil/ttypcm"
	"github.com/stretchr/testify/assert"
)

func TestCheckPeriod(t *testing.T) {
	tests := []struct {
		name   string
		format ttypcm.Format
		period int
		ok     bool
	}{
		{name: "U8 full buffer", format: ttypcm.FormatU8, period: 1024, ok: true},
		{name: "U8 over buffer", format: ttypcm.FormatU8, period: 1025},
		{name: "S16 default period", format: ttypcm.FormatS16LE, period: 256, ok: true},
		{name: "S16 full buffer", format: ttypcm.FormatS16LE, period: 512, ok: true},
		{name: "S32 default period", format: ttypcm.FormatS32LE, period: 256, ok: true},
		{name: "S32 over buffer", format: ttypcm.FormatS32LE, period: 1024},
		{name: "Zero", format: ttypcm.FormatU8, period: 0},
		{name: "Negative", format: ttypcm.FormatU8, period: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPeriod(tt.period, ttypcm.Settings{Format: tt.format})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ttypcm.ErrConfig)
			}
		})
	}
}
