package ttypcm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StreamSettings describes one direction of the virtual sound device as it
// appears in configuration. Zero fields mean "inherit" when layering and
// "default" when resolving.
type StreamSettings struct {
	Device     string    `yaml:"device"`
	Format     string    `yaml:"format"`
	BaudRate   int       `yaml:"baud_rate"`
	SampleRate int       `yaml:"sample_rate"`
	Framing    string    `yaml:"framing"`
	ShmDir     string    `yaml:"shm_dir"`
	TermFlags  TermFlags `yaml:"termios"`
}

// Settings are resolved, validated StreamSettings.
type Settings struct {
	Device     string
	Format     Format
	BaudRate   int
	SampleRate int
	Framing    Framing
	ShmDir     string
	TermFlags  TermFlags
}

// FrameSize returns the size in bytes of one frame.
func (s Settings) FrameSize() int {
	return s.Format.FrameSize()
}

// MaxPeriod returns the most frames a single transfer may carry, bounded by
// MaxBufferBytes.
func (s Settings) MaxPeriod() int {
	size := s.FrameSize()
	if size == 0 {
		return 0
	}
	return MaxBufferBytes / size
}

// Resolve validates the settings and fills in defaults: U8 samples, raw
// framing, a sample rate equal to the baud rate and the system shm directory.
func (ss StreamSettings) Resolve() (Settings, error) {
	if ss.Device == "" {
		return Settings{}, fmt.Errorf("%w: device is required", ErrConfig)
	}

	format, err := ParseFormat(ss.Format)
	if err != nil {
		return Settings{}, err
	}
	if format == FormatUnknown {
		format = FormatU8
	}

	framing, err := ParseFraming(ss.Framing)
	if err != nil {
		return Settings{}, err
	}

	if ss.BaudRate == 0 {
		return Settings{}, fmt.Errorf("%w: baud_rate is required", ErrConfig)
	}
	if !IsSupportedRate(ss.BaudRate) {
		return Settings{}, fmt.Errorf("%w: unsupported baud_rate %d", ErrConfig, ss.BaudRate)
	}

	rate := ss.SampleRate
	switch {
	case rate == 0:
		rate = ss.BaudRate
	case rate < 0:
		return Settings{}, fmt.Errorf("%w: sample_rate must be positive, got %d", ErrConfig, rate)
	case rate > ss.BaudRate:
		return Settings{}, fmt.Errorf("%w: sample_rate %d exceeds baud_rate %d", ErrConfig, rate, ss.BaudRate)
	}

	shmDir := ss.ShmDir
	if shmDir == "" {
		shmDir = DefaultShmDir
	}

	return Settings{
		Device:     ss.Device,
		Format:     format,
		BaudRate:   ss.BaudRate,
		SampleRate: rate,
		Framing:    framing,
		ShmDir:     shmDir,
		TermFlags:  ss.TermFlags,
	}, nil
}

// Overlay returns ss with every non-zero field of o applied on top.
func (ss StreamSettings) Overlay(o StreamSettings) StreamSettings {
	if o.Device != "" {
		ss.Device = o.Device
	}
	if o.Format != "" {
		ss.Format = o.Format
	}
	if o.BaudRate != 0 {
		ss.BaudRate = o.BaudRate
	}
	if o.SampleRate != 0 {
		ss.SampleRate = o.SampleRate
	}
	if o.Framing != "" {
		ss.Framing = o.Framing
	}
	if o.ShmDir != "" {
		ss.ShmDir = o.ShmDir
	}
	ss.TermFlags.Iflag |= o.TermFlags.Iflag
	ss.TermFlags.Oflag |= o.TermFlags.Oflag
	ss.TermFlags.Cflag |= o.TermFlags.Cflag
	ss.TermFlags.Lflag |= o.TermFlags.Lflag
	return ss
}

// Config is the configuration file: shared stream defaults, optional
// per-direction overrides and logging.
type Config struct {
	StreamSettings `yaml:",inline"`
	Playback       StreamSettings `yaml:"playback"`
	Capture        StreamSettings `yaml:"capture"`
	Logging        LoggingConfig  `yaml:"logging"`
}

// LoadConfig reads and parses a YAML configuration file. Stream settings are
// not resolved here; call For once command line overrides are applied.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// For layers the direction's overrides over the shared defaults and resolves
// the result.
func (c *Config) For(dir Direction) (Settings, error) {
	ss := c.StreamSettings
	switch dir {
	case Playback:
		ss = ss.Overlay(c.Playback)
	case Capture:
		ss = ss.Overlay(c.Capture)
	default:
		return Settings{}, fmt.Errorf("%w: no stream settings for %v", ErrConfig, dir)
	}
	s, err := ss.Resolve()
	if err != nil {
		return Settings{}, fmt.Errorf("%v: %w", dir, err)
	}
	return s, nil
}
