package ttypcm

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// openLine returns a pty pair; the slave stands in for the serial device.
func openLine(t *testing.T) (master *os.File, devPath string) {
	t.Helper()
	master, slave, err := pty.Open()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master, slave.Name()
}

func TestOpenSession_Errors(t *testing.T) {
	t.Run("Missing device", func(t *testing.T) {
		_, err := OpenSession(filepath.Join(t.TempDir(), "nope"), Capture)
		if !errors.Is(err, ErrDeviceOpen) {
			t.Errorf("OpenSession() error = %v, want ErrDeviceOpen", err)
		}
	})

	t.Run("Regular file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain")
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := OpenSession(path, Capture)
		if !errors.Is(err, ErrNotCharDevice) {
			t.Errorf("OpenSession() error = %v, want ErrNotCharDevice", err)
		}
	})

	t.Run("Invalid direction", func(t *testing.T) {
		_, devPath := openLine(t)
		_, err := OpenSession(devPath, Direction(42))
		if !errors.Is(err, ErrConfig) {
			t.Errorf("OpenSession() error = %v, want ErrConfig", err)
		}
	})
}

func TestSession_Identity(t *testing.T) {
	_, devPath := openLine(t)
	s, err := OpenSession(devPath, Duplex)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer s.Close()

	var st unix.Stat_t
	if err := unix.Stat(devPath, &st); err != nil {
		t.Fatal(err)
	}
	want := DeviceID{Major: unix.Major(uint64(st.Rdev)), Minor: unix.Minor(uint64(st.Rdev))}
	if s.Identity() != want {
		t.Errorf("Identity() = %v, want %v", s.Identity(), want)
	}
	if s.Path() != devPath || s.Direction() != Duplex {
		t.Errorf("Path/Direction = %q/%v", s.Path(), s.Direction())
	}
}

func TestSession_Configure(t *testing.T) {
	_, devPath := openLine(t)
	s, err := OpenSession(devPath, Duplex)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer s.Close()

	if err := s.Configure(9600, 9600, TermFlags{}); err != nil {
		t.Fatalf("Configure(9600) error = %v", err)
	}

	tio, err := unix.IoctlGetTermios(int(s.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	if tio.Cflag&unix.CBAUD != unix.B9600 {
		t.Errorf("speed bits = %#x, want B9600", tio.Cflag&unix.CBAUD)
	}
	if tio.Lflag&unix.ICANON != 0 || tio.Lflag&unix.ECHO != 0 {
		t.Error("line not in raw mode")
	}

	if err := s.Configure(14400, 14400, TermFlags{}); !errors.Is(err, ErrConfig) {
		t.Errorf("Configure(14400) error = %v, want ErrConfig", err)
	}

	// Split speeds put the input code in CIBAUD.
	if err := s.Configure(9600, 19200, TermFlags{}); err != nil {
		t.Fatalf("Configure(9600, 19200) error = %v", err)
	}
	tio, err = unix.IoctlGetTermios(int(s.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	if tio.Cflag&unix.CBAUD != unix.B19200 {
		t.Errorf("output speed bits = %#x, want B19200", tio.Cflag&unix.CBAUD)
	}
	if in := (tio.Cflag & cibaud) >> ibshift; in != unix.B9600 {
		t.Errorf("input speed bits = %#x, want B9600", in)
	}
}

func TestCheckSpeeds(t *testing.T) {
	tests := []struct {
		name            string
		cflag           uint32
		wantIn, wantOut int
		gotIn, gotOut   int
		mismatch        bool
	}{
		{name: "Same speed", cflag: unix.B9600, wantIn: 9600, wantOut: 9600},
		{name: "Split speed", cflag: unix.B19200 | unix.B9600<<ibshift, wantIn: 9600, wantOut: 19200},
		{name: "Clamped output", cflag: unix.B9600, wantIn: 19200, wantOut: 19200,
			gotIn: 9600, gotOut: 9600, mismatch: true},
		{name: "Clamped input", cflag: unix.B19200 | unix.B4800<<ibshift, wantIn: 9600, wantOut: 19200,
			gotIn: 4800, gotOut: 19200, mismatch: true},
		{name: "Input dropped", cflag: unix.B19200, wantIn: 9600, wantOut: 19200,
			gotIn: 19200, gotOut: 19200, mismatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tio := &unix.Termios{Cflag: tt.cflag | unix.CS8 | unix.CREAD}
			err := checkSpeeds(tio, tt.wantIn, tt.wantOut)
			if !tt.mismatch {
				if err != nil {
					t.Fatalf("checkSpeeds() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, ErrBaudMismatch) {
				t.Fatalf("checkSpeeds() error = %v, want ErrBaudMismatch", err)
			}
			var bm *BaudMismatchError
			if !errors.As(err, &bm) {
				t.Fatalf("checkSpeeds() error = %T, want *BaudMismatchError", err)
			}
			want := BaudMismatchError{WantIn: tt.wantIn, WantOut: tt.wantOut, GotIn: tt.gotIn, GotOut: tt.gotOut}
			if *bm != want {
				t.Errorf("checkSpeeds() = %+v, want %+v", *bm, want)
			}
		})
	}
}

func TestSession_ReadWrite(t *testing.T) {
	master, devPath := openLine(t)

	capture, err := OpenSession(devPath, Capture)
	if err != nil {
		t.Fatalf("OpenSession(Capture) error = %v", err)
	}
	defer capture.Close()
	if err := capture.Configure(9600, 9600, TermFlags{}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	buf := make([]byte, 16)
	n, err := capture.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Read() on empty line = %d, %v, want 0, nil", n, err)
	}

	if _, err := master.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for capture.Available() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := capture.Available(); got != 5 {
		t.Fatalf("Available() = %d, want 5", got)
	}
	n, err = capture.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("Read() = %q, %v, want \"hello\"", buf[:n], err)
	}

	playback, err := OpenSession(devPath, Playback)
	if err != nil {
		t.Fatalf("OpenSession(Playback) error = %v", err)
	}
	defer playback.Close()
	n, err = playback.Write([]byte("world"))
	if err != nil || n != 5 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(master, got); err != nil || string(got) != "world" {
		t.Errorf("master read %q, %v, want \"world\"", got, err)
	}
}

func TestSession_Close(t *testing.T) {
	_, devPath := openLine(t)
	s, err := OpenSession(devPath, Capture)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Read() after Close error = %v, want ErrStreamClosed", err)
	}
	if s.Available() != 0 {
		t.Error("Available() after Close should be 0")
	}
}
