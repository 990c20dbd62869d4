package ttypcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// ParserCapacity is the longest command line the relay accepts,
	// including the leading "AT".
	ParserCapacity = 255

	defaultFlushSettle  = time.Millisecond
	defaultDialSettle   = 2 * time.Millisecond
	defaultHangupSettle = time.Second
	defaultPollInterval = 200 * time.Millisecond
)

// Commands issued to the modem before dialing so that it answers in voice mode.
var dialClassCommands = []string{"AT+FCLASS=8.0", "AT+FCLASS=8"}

// RetCode is the local outcome of a dispatched command line.
type RetCode int

const (
	// RetCodeOk is reported back as "<cmd>\r\nOK\r\n"
	RetCodeOk RetCode = iota
	// RetCodeError is reported back as "<cmd>\r\nERROR\r\n"
	RetCodeError
	// RetCodeSilent means the modem answers for itself, or nothing is due
	RetCodeSilent
)

// String returns a human-readable representation of the return code.
func (rc RetCode) String() string {
	switch rc {
	case RetCodeOk:
		return "OK"
	case RetCodeError:
		return "ERROR"
	case RetCodeSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// ParseEvent is what the parser produced for a byte.
type ParseEvent int

const (
	// ParseNone means the byte was absorbed
	ParseNone ParseEvent = iota
	// ParseLine means a command line is complete
	ParseLine
	// ParseReject means an overflowed line just ended
	ParseReject
)

// Parser assembles "AT...\r" command lines one byte at a time. Bytes outside
// a command line are ignored. A line that outgrows ParserCapacity is
// discarded up to its terminator and then rejected.
type Parser struct {
	buf      [ParserCapacity]byte
	n        int
	overflow bool
}

// Feed consumes b. On ParseLine the returned string is the line without its
// terminator.
func (p *Parser) Feed(b byte) (ParseEvent, string) {
	if p.overflow {
		if b == '\r' {
			p.overflow = false
			p.n = 0
			return ParseReject, ""
		}
		return ParseNone, ""
	}

	switch p.n {
	case 0:
		if b == 'A' {
			p.buf[0] = b
			p.n = 1
		}
		return ParseNone, ""
	case 1:
		if b == 'T' {
			p.buf[1] = b
			p.n = 2
			return ParseNone, ""
		}
		// Not a prefix after all; b may start one.
		p.n = 0
		return p.Feed(b)
	}

	if b == '\r' {
		line := string(p.buf[:p.n])
		p.n = 0
		return ParseLine, line
	}
	if p.n >= len(p.buf) {
		p.overflow = true
		p.n = 0
		return ParseNone, ""
	}
	p.buf[p.n] = b
	p.n++
	return ParseNone, ""
}

// Len returns the number of bytes buffered for the current line.
func (p *Parser) Len() int {
	return p.n
}

// Reset drops any partial line.
func (p *Parser) Reset() {
	p.n = 0
	p.overflow = false
}

// ModemPort is the relay's side of the real modem. *Session implements it.
type ModemPort interface {
	io.ReadWriter
	Fd() uintptr
	FlushInput(settle time.Duration) error
}

// Terminal is the relay's side of the local command endpoint, typically a
// pseudo-terminal master.
type Terminal interface {
	io.ReadWriter
	Fd() uintptr
}

// RelayConfig contains the parameters of a Relay. Modem, Terminal and Flag
// are required; zero durations take their defaults.
type RelayConfig struct {
	// Modem is the real modem line
	Modem ModemPort
	// Terminal is where local AT clients connect
	Terminal Terminal
	// Flag is the voice-mode flag of the modem line
	Flag ModeSwitch
	// UserSequence is an optional command sent before dialing
	UserSequence string
	// FlushSettle is the pause between input drains (default: 1ms)
	FlushSettle time.Duration
	// DialSettle is the pause after the pre-dial commands (default: 2ms)
	DialSettle time.Duration
	// HangupSettle is each of the two pauses before forwarding ATH (default: 1s)
	HangupSettle time.Duration
	// PollInterval bounds how long Serve waits before checking its context
	// (default: 200ms)
	PollInterval time.Duration
	// Logger receives command and error records
	Logger *slog.Logger
}

// RelayMetrics contains runtime statistics for a relay.
type RelayMetrics struct {
	// Voice reports whether the line is in voice mode
	Voice bool
	// Commands is the number of complete command lines received
	Commands int
	// Forwarded is the number of command lines sent to the modem verbatim
	Forwarded int
	// Refused is the number of commands answered ERROR because of voice mode
	Refused int
	// Overflows is the number of over-long lines rejected
	Overflows int
	// TermRxBytes is the number of bytes read from the terminal
	TermRxBytes int
	// ModemRxBytes is the number of unsolicited modem bytes relayed
	ModemRxBytes int
	// ModemTxBytes is the number of bytes written to the modem
	ModemTxBytes int
	// LastAtCmdTime is the timestamp of the last command line
	LastAtCmdTime time.Time
}

// Relay sits between a local terminal and the real modem. It intercepts
// dial, voice-receive and hang-up so the mode flag follows the line, and
// passes every other command through while the line is not carrying voice.
type Relay struct {
	modem        ModemPort
	term         Terminal
	flag         ModeSwitch
	userSeq      string
	flushSettle  time.Duration
	dialSettle   time.Duration
	hangupSettle time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
	parser       Parser

	mu      sync.Mutex
	metrics RelayMetrics
}

// NewRelay creates a relay. It returns ErrConfig if a required field is
// missing.
func NewRelay(config *RelayConfig) (*Relay, error) {
	if config == nil || config.Modem == nil || config.Terminal == nil || config.Flag == nil {
		return nil, fmt.Errorf("%w: relay needs a modem, a terminal and a mode flag", ErrConfig)
	}
	r := &Relay{
		modem:        config.Modem,
		term:         config.Terminal,
		flag:         config.Flag,
		userSeq:      config.UserSequence,
		flushSettle:  config.FlushSettle,
		dialSettle:   config.DialSettle,
		hangupSettle: config.HangupSettle,
		pollInterval: config.PollInterval,
		logger:       config.Logger,
	}
	if r.flushSettle <= 0 {
		r.flushSettle = defaultFlushSettle
	}
	if r.dialSettle <= 0 {
		r.dialSettle = defaultDialSettle
	}
	if r.hangupSettle <= 0 {
		r.hangupSettle = defaultHangupSettle
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	if r.logger == nil {
		r.logger = discardLogger()
	}
	return r, nil
}

// Feed runs one terminal byte through the parser, dispatching a completed
// line and answering a rejected one.
func (r *Relay) Feed(b byte) {
	ev, line := r.parser.Feed(b)
	switch ev {
	case ParseLine:
		r.printRetCode(line, r.Dispatch(line))
	case ParseReject:
		r.logger.Warn("Command line too long, rejected", "limit", ParserCapacity)
		r.count(func(m *RelayMetrics) { m.Overflows++ })
		r.termWrite("ERROR\r\n")
	}
}

// Dispatch runs one command line and returns the local outcome. The caller
// reports it to the terminal.
func (r *Relay) Dispatch(cmd string) RetCode {
	r.logger.Debug("AT command", "cmd", cmd, "voice", r.flag.Active())
	r.count(func(m *RelayMetrics) {
		m.Commands++
		m.LastAtCmdTime = time.Now()
	})

	switch {
	case strings.HasPrefix(cmd, "ATD"):
		return r.dial()
	case cmd == "AT+VTR":
		return r.startVoice()
	case cmd == "ATH":
		return r.hangup()
	default:
		return r.forward(cmd)
	}
}

// dial switches the modem to voice class ahead of the dial the client
// issues next. ATD itself is not sent.
func (r *Relay) dial() RetCode {
	r.flush()
	cmds := dialClassCommands
	if r.userSeq != "" {
		cmds = append(cmds[:len(cmds):len(cmds)], r.userSeq)
	}
	for _, c := range cmds {
		if ret := r.forward(c); ret != RetCodeSilent {
			r.printRetCode(c, ret)
		}
	}
	r.flush()
	time.Sleep(r.dialSettle)
	r.flush()
	return RetCodeSilent
}

func (r *Relay) startVoice() RetCode {
	if r.flag.Active() {
		return RetCodeOk
	}
	r.flush()
	if err := r.send("AT+VTR"); err != nil {
		r.logger.Error("Failed to enter voice receive", "error", err)
		return RetCodeError
	}
	r.flush()
	if err := r.flag.Set(true); err != nil {
		r.logger.Error("Failed to set voice mode", "error", err)
		return RetCodeError
	}
	r.logger.Info("Voice mode on")
	return RetCodeOk
}

// hangup leaves voice mode, lets the line settle and forwards ATH. Failures
// on the way are logged; only a failed ATH is reported to the client.
func (r *Relay) hangup() RetCode {
	if r.flag.Active() {
		if err := r.flag.Set(false); err != nil {
			r.logger.Error("Failed to clear voice mode", "error", err)
		}
		if err := r.send(string(EndOfSegment())); err != nil {
			r.logger.Error("Failed to end voice segment", "error", err)
		}
		r.logger.Info("Voice mode off")
		r.flush()
	}
	r.flush()
	time.Sleep(r.hangupSettle)
	r.flush()
	time.Sleep(r.hangupSettle)
	r.flush()
	return r.forward("ATH")
}

// forward sends cmd unless the line carries voice, in which case the command
// is refused locally.
func (r *Relay) forward(cmd string) RetCode {
	if r.flag.Active() {
		r.count(func(m *RelayMetrics) { m.Refused++ })
		return RetCodeError
	}
	if err := r.send(cmd); err != nil {
		r.logger.Error("Failed to forward command", "cmd", cmd, "error", err)
		return RetCodeError
	}
	r.count(func(m *RelayMetrics) { m.Forwarded++ })
	return RetCodeSilent
}

func (r *Relay) send(cmd string) error {
	b := []byte(cmd + "\r")
	n, err := r.modem.Write(b)
	r.count(func(m *RelayMetrics) { m.ModemTxBytes += n })
	if err != nil {
		return err
	}
	if n < len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (r *Relay) flush() {
	if err := r.modem.FlushInput(r.flushSettle); err != nil {
		r.logger.Warn("Failed to flush modem input", "error", err)
	}
}

func (r *Relay) printRetCode(cmd string, ret RetCode) {
	switch ret {
	case RetCodeOk, RetCodeError:
		r.termWrite(cmd + "\r\n" + ret.String() + "\r\n")
	}
}

func (r *Relay) termWrite(s string) {
	if _, err := r.term.Write([]byte(s)); err != nil {
		r.logger.Warn("Failed to write terminal", "error", err)
	}
}

func (r *Relay) count(fn func(m *RelayMetrics)) {
	r.mu.Lock()
	fn(&r.metrics)
	r.mu.Unlock()
}

// Serve relays until ctx is done or a descriptor fails. The modem is only
// watched while the line is in AT mode.
func (r *Relay) Serve(ctx context.Context) error {
	buf := make([]byte, 256)
	timeout := int(r.pollInterval / time.Millisecond)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fds := []unix.PollFd{{Fd: int32(r.term.Fd()), Events: unix.POLLIN}}
		watchModem := !r.flag.Active()
		if watchModem {
			fds = append(fds, unix.PollFd{Fd: int32(r.modem.Fd()), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if ev := fds[0].Revents; ev&unix.POLLIN != 0 {
			if err := r.readTerminal(buf); err != nil {
				return err
			}
		} else if ev&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("terminal: poll events %#x", ev)
		}

		if watchModem && !r.flag.Active() {
			if ev := fds[1].Revents; ev&unix.POLLIN != 0 {
				if err := r.readModem(buf); err != nil {
					return err
				}
			} else if ev&(unix.POLLERR|unix.POLLNVAL|unix.POLLHUP) != 0 {
				return fmt.Errorf("%w: modem poll events %#x", ErrTransport, ev)
			}
		}
	}
}

func (r *Relay) readTerminal(buf []byte) error {
	n, err := r.term.Read(buf)
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read terminal: %w", err)
	}
	r.count(func(m *RelayMetrics) { m.TermRxBytes += n })
	for _, b := range buf[:n] {
		r.Feed(b)
	}
	return nil
}

// readModem relays what the modem sent. It is only called once poll reported
// input, so an empty read means the line hung up.
func (r *Relay) readModem(buf []byte) error {
	n, err := r.modem.Read(buf)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: modem hung up", ErrTransport)
	}
	r.count(func(m *RelayMetrics) { m.ModemRxBytes += n })
	if _, err := r.term.Write(buf[:n]); err != nil {
		return fmt.Errorf("write terminal: %w", err)
	}
	return nil
}

// Metrics returns a copy of the current relay metrics.
func (r *Relay) Metrics() *RelayMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.metrics
	m.Voice = r.flag.Active()
	return &m
}
