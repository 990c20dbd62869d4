// Command ttypcm plays and records WAV files through a serial-line sound
// device, acting as the audio host for a ttypcm stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/jaracil/ttypcm"
	"github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Config    string `short:"c" long:"config" description:"YAML configuration file"`
	Device    string `short:"d" long:"device" description:"Serial device"`
	Baud      int    `short:"b" long:"baud" description:"Line speed in baud"`
	Rate      int    `short:"r" long:"rate" description:"Sample rate in Hz (default: the baud rate)"`
	Format    string `short:"f" long:"format" description:"Sample format (U8, S16_LE, S32_LE)"`
	Framing   string `long:"framing" description:"Payload framing (raw, framed)"`
	ShmDir    string `long:"shm-dir" description:"Directory holding mode flag regions"`
	LogLevel  string `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFormat string `long:"log-format" description:"Log format (text, json)"`
}

var global globalOptions

type playCommand struct {
	Period int `long:"period" default:"256" description:"Frames per transfer"`
	Args   struct {
		File string `positional-arg-name:"wav" required:"yes"`
	} `positional-args:"yes"`
}

type recordCommand struct {
	Period   int           `long:"period" default:"256" description:"Frames per transfer"`
	Duration time.Duration `long:"duration" default:"10s" description:"Recording length"`
	Args     struct {
		File string `positional-arg-name:"wav" required:"yes"`
	} `positional-args:"yes"`
}

type portsCommand struct{}

func main() {
	parser := flags.NewParser(&global, flags.Default)
	parser.AddCommand("play", "Play a WAV file", "Play a WAV file through the playback stream.", &playCommand{})
	parser.AddCommand("record", "Record a WAV file", "Record the capture stream into a WAV file.", &recordCommand{})
	parser.AddCommand("ports", "List serial ports", "List the serial ports of the system.", &portsCommand{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// setup resolves the stream settings for dir from the configuration file and
// the command line, which wins, and builds the logger.
func setup(dir ttypcm.Direction) (ttypcm.Settings, *slog.Logger, io.Closer, error) {
	cfg := &ttypcm.Config{}
	if global.Config != "" {
		var err error
		if cfg, err = ttypcm.LoadConfig(global.Config); err != nil {
			return ttypcm.Settings{}, nil, nil, err
		}
	}

	override := ttypcm.StreamSettings{
		Device:     global.Device,
		Format:     global.Format,
		BaudRate:   global.Baud,
		SampleRate: global.Rate,
		Framing:    global.Framing,
		ShmDir:     global.ShmDir,
	}
	cfg.Playback = cfg.Playback.Overlay(override)
	cfg.Capture = cfg.Capture.Overlay(override)
	if global.LogLevel != "" {
		cfg.Logging.Level = global.LogLevel
	}
	if global.LogFormat != "" {
		cfg.Logging.Format = global.LogFormat
	}
	if err := cfg.Logging.Validate(); err != nil {
		return ttypcm.Settings{}, nil, nil, err
	}

	settings, err := cfg.For(dir)
	if err != nil {
		return ttypcm.Settings{}, nil, nil, err
	}
	logger, closer, err := ttypcm.NewLogger(cfg.Logging, nil)
	if err != nil {
		return ttypcm.Settings{}, nil, nil, err
	}
	return settings, logger, closer, nil
}

// checkPeriod rejects periods that do not fit the device buffer.
func checkPeriod(period int, settings ttypcm.Settings) error {
	if limit := settings.MaxPeriod(); period <= 0 || period > limit {
		return fmt.Errorf("%w: period must be 1..%d frames for %v, got %d",
			ttypcm.ErrConfig, limit, settings.Format, period)
	}
	return nil
}

func (c *playCommand) Execute(args []string) error {
	settings, logger, closer, err := setup(ttypcm.Playback)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := checkPeriod(c.Period, settings); err != nil {
		return err
	}

	f, err := os.Open(c.Args.File)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return fmt.Errorf("%s: invalid WAV file", c.Args.File)
	}
	if decoder.WavAudioFormat != 1 {
		return fmt.Errorf("%s: only integer PCM is supported", c.Args.File)
	}
	if int(decoder.SampleRate) != settings.SampleRate {
		logger.Warn("WAV sample rate differs from the stream, playing unconverted",
			"wav_rate", decoder.SampleRate, "stream_rate", settings.SampleRate)
	}

	stream, err := ttypcm.OpenStream(ttypcm.Playback, settings, &ttypcm.StreamOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer stream.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHost(stream, settings.FrameSize(), c.Period, settings.SampleRate, logger)
	if err := stream.Start(); err != nil {
		return err
	}
	defer stream.Stop()

	channels := int(decoder.NumChans)
	buf := &audio.IntBuffer{
		Format: decoder.Format(),
		Data:   make([]int, c.Period*channels),
	}
	var out []byte
	for {
		n, err := decoder.PCMBuffer(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", c.Args.File, err)
		}
		if n == 0 {
			break
		}
		mono := downmix(buf.Data[:n], channels)
		if out, err = encodeSamples(out[:0], mono, int(decoder.BitDepth), settings.Format); err != nil {
			return err
		}
		if err := h.write(ctx, out); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
	}

	m := stream.Metrics()
	logger.Info("Playback finished",
		"frames", m.Frames, "device_bytes", m.DeviceBytes, "discarded", m.DiscardedFrames)
	return nil
}

func (c *recordCommand) Execute(args []string) error {
	settings, logger, closer, err := setup(ttypcm.Capture)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := checkPeriod(c.Period, settings); err != nil {
		return err
	}

	f, err := os.Create(c.Args.File)
	if err != nil {
		return err
	}
	defer f.Close()

	stream, err := ttypcm.OpenStream(ttypcm.Capture, settings, &ttypcm.StreamOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer stream.Close()

	encoder := wav.NewEncoder(f, settings.SampleRate, settings.Format.Bits(), 1, 1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration)
	defer cancel()

	h := newHost(stream, settings.FrameSize(), c.Period, settings.SampleRate, logger)
	if err := stream.Start(); err != nil {
		return err
	}

	total := int(c.Duration.Seconds() * float64(settings.SampleRate))
	buf := make([]byte, c.Period*settings.FrameSize())
	captured := 0
	for captured < total {
		n, err := h.read(ctx, buf)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err != nil {
			encoder.Close()
			return err
		}
		ib, err := decodeSamples(buf[:n*settings.FrameSize()], settings.Format, settings.SampleRate)
		if err != nil {
			encoder.Close()
			return err
		}
		if err := encoder.Write(ib); err != nil {
			encoder.Close()
			return fmt.Errorf("encode %s: %w", c.Args.File, err)
		}
		captured += n
	}
	stream.Stop()

	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finish %s: %w", c.Args.File, err)
	}
	m := stream.Metrics()
	logger.Info("Recording finished",
		"frames", captured, "device_bytes", m.DeviceBytes, "segments", m.Segments, "desyncs", m.Desyncs)
	return nil
}

func (c *portsCommand) Execute(args []string) error {
	ports, err := ttypcm.ListPorts()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}
