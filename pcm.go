package ttypcm

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MaxBufferBytes is the largest ring buffer a host may allocate for a
	// stream, and so the largest single transfer.
	MaxBufferBytes = 1024

	// encodeChunk is the input size fed to Encode per write; the encoded
	// form fits stageSize even when every byte is an escape.
	encodeChunk = 128
	stageSize   = 2 * encodeChunk
	// rxSize is the receive buffer used ahead of Decode.
	rxSize = 256
)

// Port is the byte transport below a Stream. *Session implements it.
type Port interface {
	io.ReadWriter
	// Available returns the number of bytes ready to be read.
	Available() int
	Close() error
}

// PCM is the capability an audio host drives for one direction of the
// virtual sound device.
type PCM interface {
	// Start and Stop bracket a run. Neither touches the transport.
	Start() error
	Stop() error
	// Position returns the hardware position in frames, wrapped at the
	// host boundary.
	Position() (int64, error)
	// Transfer moves up to frames frames between area and the device and
	// returns how many were moved. A short count is not an error.
	Transfer(area []byte, frames int) (int, error)
	Close() error
}

// StreamOptions tune a Stream. The zero value is usable.
type StreamOptions struct {
	// Boundary is the host ring-buffer boundary in frames. Position is
	// reported modulo Boundary when it is non-zero.
	Boundary uint64
	// Logger receives lifecycle and error records.
	Logger *slog.Logger
}

// StreamMetrics contains runtime statistics for a stream.
// Counters are cumulative since the stream was opened.
type StreamMetrics struct {
	// Direction is the direction the stream serves
	Direction Direction
	// Running reports whether the stream is between Start and Stop
	Running bool
	// Frames is the number of frames reported as transferred
	Frames uint64
	// DeviceBytes is the number of bytes moved on the device, after framing
	DeviceBytes uint64
	// DiscardedFrames is the number of playback frames dropped while the
	// line carried AT commands
	DiscardedFrames uint64
	// Segments is the number of end-of-segment markers seen on capture
	Segments int
	// Desyncs is the number of unknown escape sequences seen on capture
	Desyncs int
	// LastTransferTime is the timestamp of the last non-empty transfer
	LastTransferTime time.Time
}

// Stream is one direction of the virtual sound device. It implements PCM.
// Methods may be called from one goroutine at a time per the host contract;
// Metrics may be called concurrently.
type Stream struct {
	mu        sync.Mutex
	dir       Direction
	settings  Settings
	port      Port
	flag      ModeSignal
	frameSize int
	boundary  uint64
	logger    *slog.Logger

	offset  uint64
	running bool
	closed  bool
	err     error

	// carry is the number of bytes of the head frame already written.
	carry int
	// partial holds the bytes of an incomplete captured frame.
	partial []byte
	// pendingOut is the second half of an escape pair whose first byte was
	// the last one the device accepted.
	pendingOut []byte
	voice      bool
	dec        Decoder
	stage      [stageSize]byte
	rx         [rxSize]byte

	metrics StreamMetrics
}

var _ PCM = (*Stream)(nil)

// OpenStream opens and configures the device for dir and returns a Stream
// ready to Start. Framed streams attach to the mode flag of the device; if
// the relay daemon has not created it yet the stream starts in AT mode and
// picks the flag up once it appears. Everything acquired is released when
// OpenStream fails.
func OpenStream(dir Direction, settings Settings, opts *StreamOptions) (*Stream, error) {
	if dir != Playback && dir != Capture {
		return nil, fmt.Errorf("%w: stream direction must be playback or capture, got %v", ErrConfig, dir)
	}
	if opts == nil {
		opts = &StreamOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	sess, err := OpenSession(settings.Device, dir)
	if err != nil {
		return nil, err
	}
	if err := sess.Configure(settings.BaudRate, settings.BaudRate, settings.TermFlags); err != nil {
		sess.Close()
		return nil, err
	}

	var flag ModeSignal
	if settings.Framing == FramingFramed {
		mf, err := OpenModeFlag(settings.ShmDir, sess.Identity())
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("Mode flag not found, waiting for relay daemon",
				"direction", dir, "region", RegionName(sess.Identity()), "dir", settings.ShmDir)
			mf = DetachedModeFlag(settings.ShmDir, sess.Identity())
		case err != nil:
			sess.Close()
			return nil, err
		}
		flag = mf
	}

	s := NewStream(dir, settings, sess, flag, opts)
	s.logger = logger.With("direction", dir, "device", settings.Device)
	s.logger.Info("Stream opened",
		"format", settings.Format, "baud", settings.BaudRate,
		"rate", settings.SampleRate, "framing", settings.Framing)
	return s, nil
}

// NewStream builds a Stream over an already configured port. flag may be nil
// for raw framing. If flag implements io.Closer it is closed with the stream.
func NewStream(dir Direction, settings Settings, port Port, flag ModeSignal, opts *StreamOptions) *Stream {
	if opts == nil {
		opts = &StreamOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	size := settings.FrameSize()
	if size == 0 {
		size = 1
	}
	return &Stream{
		dir:       dir,
		settings:  settings,
		port:      port,
		flag:      flag,
		frameSize: size,
		boundary:  opts.Boundary,
		logger:    logger,
		metrics:   StreamMetrics{Direction: dir},
	}
}

// Direction returns the direction the stream serves.
func (s *Stream) Direction() Direction {
	return s.dir
}

// Settings returns the resolved settings of the stream.
func (s *Stream) Settings() Settings {
	return s.settings
}

// PollDescriptor returns the descriptor a host should wait on and the poll
// events that mean the stream can make progress. ok is false when the port
// has no descriptor.
func (s *Stream) PollDescriptor() (fd uintptr, events int16, ok bool) {
	p, ok := s.port.(interface{ Fd() uintptr })
	if !ok {
		return 0, 0, false
	}
	events = unix.POLLIN
	if s.dir == Playback {
		events = unix.POLLOUT
	}
	return p.Fd(), events, true
}

// Start marks the stream running.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if !s.running {
		s.running = true
		s.logger.Debug("Stream started", "offset", s.offset)
	}
	return nil
}

// Stop marks the stream stopped and drops any partial frame.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return err
	}
	if s.running {
		s.running = false
		s.carry = 0
		s.partial = s.partial[:0]
		s.logger.Debug("Stream stopped", "offset", s.offset)
	}
	return nil
}

// Position returns the hardware position. Playback reports the frames
// accepted so far; capture adds the frames already queued at the device.
func (s *Stream) Position() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}
	pos := s.offset
	if s.dir == Capture {
		queued := len(s.partial) + s.port.Available()
		pos += uint64(queued / s.frameSize)
	}
	if s.boundary != 0 {
		pos %= s.boundary
	}
	return int64(pos), nil
}

// Offset returns the total number of frames transferred, without wrapping.
func (s *Stream) Offset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Transfer moves up to frames frames between area and the device.
func (s *Stream) Transfer(area []byte, frames int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return 0, err
	}
	if frames <= 0 {
		return 0, nil
	}
	want := frames * s.frameSize
	if want > MaxBufferBytes {
		return 0, fmt.Errorf("%w: transfer of %d frames exceeds the %d byte buffer", ErrConfig, frames, MaxBufferBytes)
	}
	if len(area) < want {
		return 0, fmt.Errorf("transfer of %d frames: %w", frames, io.ErrShortBuffer)
	}

	ready, err := s.syncMode()
	var done int
	switch {
	case err != nil:
	case !ready:
		return 0, nil
	case s.dir == Playback:
		done, err = s.playback(area[:want], frames)
	default:
		done, err = s.capture(area[:want])
	}
	if err != nil {
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		s.err = err
		s.logger.Error("Stream failed", "error", err, "offset", s.offset)
		return 0, err
	}

	s.offset += uint64(done)
	if done > 0 {
		s.metrics.Frames += uint64(done)
		s.metrics.LastTransferTime = time.Now()
	}
	return done, nil
}

// framedActive reports whether payload currently goes through the codec.
func (s *Stream) framedActive() bool {
	return s.settings.Framing == FramingFramed && s.flag != nil && s.flag.Active()
}

// syncMode samples the mode flag once per transfer and drops decoder state
// left over from the previous mode. Leaving voice mode first completes an
// escape pair whose first half is already on the line; until the device
// takes it the mode does not change and ready is false.
func (s *Stream) syncMode() (ready bool, err error) {
	if s.settings.Framing != FramingFramed {
		return true, nil
	}
	active := s.framedActive()
	if active == s.voice {
		return true, nil
	}
	if !active && len(s.pendingOut) > 0 {
		n, err := s.port.Write(s.pendingOut)
		s.metrics.DeviceBytes += uint64(n)
		s.pendingOut = s.pendingOut[n:]
		if err != nil {
			return false, err
		}
		if len(s.pendingOut) > 0 {
			return false, nil
		}
	}
	s.voice = active
	s.dec.Reset()
	s.logger.Debug("Line mode changed", "voice", active)
	return true, nil
}

func (s *Stream) playback(data []byte, frames int) (int, error) {
	if s.settings.Framing == FramingFramed && !s.voice {
		s.carry = 0
		s.metrics.DiscardedFrames += uint64(frames)
		return frames, nil
	}

	var sent int
	var err error
	if s.voice {
		sent, err = s.writeFramed(data[s.carry:])
	} else {
		sent, err = s.port.Write(data[s.carry:])
		s.metrics.DeviceBytes += uint64(sent)
	}
	if err != nil {
		return 0, err
	}
	total := s.carry + sent
	s.carry = total % s.frameSize
	return total / s.frameSize, nil
}

// writeFramed encodes data in chunks and writes it, returning how many
// input bytes the device took. An input byte whose escape pair was only half
// accepted counts as taken; its second half goes out first next time.
func (s *Stream) writeFramed(data []byte) (int, error) {
	if len(s.pendingOut) > 0 {
		n, err := s.port.Write(s.pendingOut)
		s.metrics.DeviceBytes += uint64(n)
		if err != nil {
			return 0, err
		}
		if n < len(s.pendingOut) {
			return 0, nil
		}
		s.pendingOut = s.pendingOut[:0]
	}

	consumed := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > encodeChunk {
			chunk = chunk[:encodeChunk]
		}
		enc := Encode(s.stage[:0], chunk)
		n, err := s.port.Write(enc)
		s.metrics.DeviceBytes += uint64(n)
		if err != nil {
			return consumed, err
		}
		if n == len(enc) {
			consumed += len(chunk)
			data = data[len(chunk):]
			continue
		}

		// Map the accepted encoded bytes back onto input bytes.
		pos := 0
		for _, b := range chunk {
			if pos >= n {
				break
			}
			if b == DLE {
				if pos+1 == n {
					s.pendingOut = append(s.pendingOut, DLE)
				}
				pos += 2
			} else {
				pos++
			}
			consumed++
		}
		break
	}
	return consumed, nil
}

func (s *Stream) capture(area []byte) (int, error) {
	got := area[:copy(area, s.partial)]

	if s.voice {
		for len(got) < len(area) {
			room := len(area) - len(got)
			if room > len(s.rx) {
				room = len(s.rx)
			}
			n, err := s.port.Read(s.rx[:room])
			s.metrics.DeviceBytes += uint64(n)
			// Decoded output never exceeds its input, so got stays inside area.
			got = s.dec.Decode(got, s.rx[:n])
			if err != nil {
				return 0, err
			}
			if n == 0 {
				break
			}
		}
		s.metrics.Segments = s.dec.Segments()
		s.metrics.Desyncs = s.dec.Desyncs()
	} else {
		n, err := s.port.Read(area[len(got):])
		s.metrics.DeviceBytes += uint64(n)
		if err != nil {
			return 0, err
		}
		got = area[:len(got)+n]
	}

	done := len(got) / s.frameSize
	s.partial = append(s.partial[:0], got[done*s.frameSize:]...)
	return done, nil
}

func (s *Stream) usable() error {
	if s.closed {
		return ErrStreamClosed
	}
	return s.err
}

// Metrics returns a copy of the current stream metrics.
func (s *Stream) Metrics() *StreamMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	m.Running = s.running
	return &m
}

// Close releases the device and the mode flag. Closing twice is a no-op.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.running = false

	err := s.port.Close()
	if c, ok := s.flag.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	s.logger.Info("Stream closed", "frames", s.offset)
	return err
}
