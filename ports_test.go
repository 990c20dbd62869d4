package ttypcm

import (
	"sort"
	"testing"
)

func TestPortInfo_String(t *testing.T) {
	tests := []struct {
		name string
		port PortInfo
		want string
	}{
		{"Plain", PortInfo{Name: "/dev/ttyS0"}, "/dev/ttyS0"},
		{"USB", PortInfo{Name: "/dev/ttyACM0", USB: true, VID: "1546", PID: "01a7"}, "/dev/ttyACM0 usb 1546:01a7"},
		{"USB with details", PortInfo{Name: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6001", Product: "FT232R", SerialNumber: "A1"},
			"/dev/ttyUSB0 usb 0403:6001 FT232R sn=A1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.port.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestListPorts(t *testing.T) {
	ports, err := ListPorts()
	if err != nil {
		t.Skipf("port enumeration not available: %v", err)
	}
	if !sort.SliceIsSorted(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name }) {
		t.Error("ports are not sorted by name")
	}
	for _, p := range ports {
		if p.Name == "" {
			t.Errorf("port without a name: %+v", p)
		}
	}
}
