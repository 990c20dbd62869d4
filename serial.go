package ttypcm

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ibshift is the offset of the input speed bits (CIBAUD) in c_cflag.
	ibshift = 16
	cibaud  = unix.CBAUD << ibshift

	// flushRounds is the number of settle-and-drain reads done by FlushInput.
	flushRounds = 10
)

// DeviceID identifies a character device by its major and minor numbers.
type DeviceID struct {
	Major uint32
	Minor uint32
}

// String returns the id as "<major>.<minor>" in hexadecimal.
func (id DeviceID) String() string {
	return fmt.Sprintf("%x.%x", id.Major, id.Minor)
}

// TermFlags are termios flag bits OR-ed onto the raw line settings.
type TermFlags struct {
	Iflag uint32 `yaml:"iflag"`
	Oflag uint32 `yaml:"oflag"`
	Cflag uint32 `yaml:"cflag"`
	Lflag uint32 `yaml:"lflag"`
}

// Session is an open, non-blocking serial character device.
// A Session is not safe for concurrent use.
type Session struct {
	path   string
	dir    Direction
	fd     int
	id     DeviceID
	closed bool
}

// OpenSession opens the character device at path for the given direction.
// Playback opens write-only, Capture read-only and Duplex read-write; every
// mode is non-blocking and never becomes the controlling terminal.
func OpenSession(path string, dir Direction) (*Session, error) {
	flags := unix.O_NOCTTY | unix.O_NONBLOCK | unix.O_CLOEXEC
	switch dir {
	case Playback:
		flags |= unix.O_WRONLY
	case Capture:
		flags |= unix.O_RDONLY
	case Duplex:
		flags |= unix.O_RDWR
	default:
		return nil, fmt.Errorf("%w: invalid direction %d", ErrConfig, dir)
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpen, path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: stat %s: %w", ErrDeviceOpen, path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s", ErrNotCharDevice, path)
	}

	rdev := uint64(st.Rdev)
	return &Session{
		path: path,
		dir:  dir,
		fd:   fd,
		id:   DeviceID{Major: unix.Major(rdev), Minor: unix.Minor(rdev)},
	}, nil
}

// Path returns the device path the session was opened with.
func (s *Session) Path() string {
	return s.path
}

// Direction returns the access direction of the session.
func (s *Session) Direction() Direction {
	return s.dir
}

// Identity returns the major/minor numbers of the device.
func (s *Session) Identity() DeviceID {
	return s.id
}

// Fd returns the underlying file descriptor.
func (s *Session) Fd() uintptr {
	return uintptr(s.fd)
}

// Configure puts the line in raw mode at the given input and output rates,
// ORs extra onto the resulting flags, and verifies that the driver applied
// both speeds. A driver that clamps a speed yields a *BaudMismatchError.
func (s *Session) Configure(baudIn, baudOut int, extra TermFlags) error {
	inCode, outCode := CodeFor(baudIn), CodeFor(baudOut)
	if inCode == NoCode || outCode == NoCode {
		return fmt.Errorf("%w: unsupported baud rate %d/%d", ErrConfig, baudIn, baudOut)
	}

	t, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: tcgetattr %s: %w", ErrDeviceOpen, s.path, err)
	}

	makeRaw(t)
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.CBAUD | cibaud
	t.Cflag |= outCode
	if inCode != outCode {
		t.Cflag |= inCode << ibshift
	}
	t.Iflag |= extra.Iflag
	t.Oflag |= extra.Oflag
	t.Cflag |= extra.Cflag
	t.Lflag |= extra.Lflag
	// Reads never wait; the descriptor is non-blocking anyway.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("%w: tcsetattr %s: %w", ErrDeviceOpen, s.path, err)
	}

	got, err := unix.IoctlGetTermios(s.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: tcgetattr %s: %w", ErrDeviceOpen, s.path, err)
	}
	return checkSpeeds(got, baudIn, baudOut)
}

// checkSpeeds compares the speeds held in t with the wanted ones. An input
// speed of zero in CIBAUD means the input runs at the output speed.
func checkSpeeds(t *unix.Termios, wantIn, wantOut int) error {
	gotOut := RateFor(t.Cflag & unix.CBAUD)
	gotIn := gotOut
	if c := (t.Cflag & cibaud) >> ibshift; c != 0 {
		gotIn = RateFor(c)
	}
	if gotIn != wantIn || gotOut != wantOut {
		return &BaudMismatchError{WantIn: wantIn, WantOut: wantOut, GotIn: gotIn, GotOut: gotOut}
	}
	return nil
}

// Read fills p from the device, retrying interrupted and short reads until p
// is full or the device has nothing more buffered. A short count is not an
// error; only a hard failure is, wrapped in ErrTransport.
func (s *Session) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	n := 0
	for n < len(p) {
		r, err := unix.Read(s.fd, p[n:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("%w: read %s: %w", ErrTransport, s.path, err)
		}
		if r <= 0 {
			break
		}
		n += r
	}
	return n, nil
}

// Write sends p to the device with the same retry rules as Read.
func (s *Session) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	n := 0
	for n < len(p) {
		w, err := unix.Write(s.fd, p[n:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("%w: write %s: %w", ErrTransport, s.path, err)
		}
		if w <= 0 {
			break
		}
		n += w
	}
	return n, nil
}

// Available returns the number of bytes queued in the kernel input buffer.
// Query failures count as an empty queue.
func (s *Session) Available() int {
	if s.closed {
		return 0
	}
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// FlushInput discards pending input: it flushes the kernel queue, then keeps
// draining whatever trickles in for a few settle periods and flushes again.
func (s *Session) FlushInput(settle time.Duration) error {
	if s.closed {
		return ErrStreamClosed
	}
	if err := unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fmt.Errorf("%w: tcflush %s: %w", ErrTransport, s.path, err)
	}
	if s.dir != Playback {
		discard := make([]byte, 4096)
		for i := 0; i < flushRounds; i++ {
			time.Sleep(settle)
			_, _ = unix.Read(s.fd, discard)
		}
	}
	if err := unix.IoctlSetInt(s.fd, unix.TCFLSH, unix.TCIFLUSH); err != nil {
		return fmt.Errorf("%w: tcflush %s: %w", ErrTransport, s.path, err)
	}
	return nil
}

// Close releases the file descriptor. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

// MakeRaw puts the terminal behind fd in raw mode, like cfmakeraw(3).
func MakeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	makeRaw(t)
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}
