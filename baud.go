package ttypcm

import (
	"golang.org/x/sys/unix"
)

const (
	// NoRate is returned by RateFor when a code is not in the table
	NoRate = 0
	// NoCode is returned by CodeFor when a rate is not in the table
	NoCode = ^uint32(0)
)

type baudEntry struct {
	rate int
	code uint32
}

var baudTable = [...]baudEntry{
	{50, unix.B50},
	{75, unix.B75},
	{110, unix.B110},
	{134, unix.B134},
	{150, unix.B150},
	{200, unix.B200},
	{300, unix.B300},
	{600, unix.B600},
	{1200, unix.B1200},
	{1800, unix.B1800},
	{2400, unix.B2400},
	{4800, unix.B4800},
	{9600, unix.B9600},
	{19200, unix.B19200},
	{38400, unix.B38400},
	{57600, unix.B57600},
	{115200, unix.B115200},
	{230400, unix.B230400},
}

// RateFor returns the bit rate for a termios speed code, or NoRate.
func RateFor(code uint32) int {
	for _, e := range baudTable {
		if e.code == code {
			return e.rate
		}
	}
	return NoRate
}

// CodeFor returns the termios speed code for a bit rate, or NoCode.
func CodeFor(rate int) uint32 {
	for _, e := range baudTable {
		if e.rate == rate {
			return e.code
		}
	}
	return NoCode
}

// IsSupportedRate reports whether rate is one of the table rates.
func IsSupportedRate(rate int) bool {
	return CodeFor(rate) != NoCode
}

// Rates returns the supported bit rates in ascending order.
func Rates() []int {
	rates := make([]int, len(baudTable))
	for i, e := range baudTable {
		rates[i] = e.rate
	}
	return rates
}
