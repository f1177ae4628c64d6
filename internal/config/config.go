package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// envPrefix prefixes every environment override.
	envPrefix = "VOICE_PIPELINE_"
	// dotEnvFile is read from the working directory when present.
	dotEnvFile = ".env"
)

// Config represents the complete service configuration
type Config struct {
	Capture  CaptureConfig  `yaml:"capture"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Playback PlaybackConfig `yaml:"playback"`
	VAD      VADConfig      `yaml:"vad"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
	Recorder RecorderConfig `yaml:"recorder"`
}

// CaptureConfig selects and tunes the microphone transport
type CaptureConfig struct {
	Transport      string    `yaml:"transport"` // "peripheral" or "usb"
	SampleRate     int       `yaml:"sample_rate"`
	Channels       int       `yaml:"channels"`
	FrameSamples   int       `yaml:"frame_samples"`    // frames per peripheral read
	ReadTimeoutMs  int       `yaml:"read_timeout_ms"`  // bounded peripheral wait
	ErrorBackoffMs int       `yaml:"error_backoff_ms"` // pause after a read error
	StopGraceMs    int       `yaml:"stop_grace_ms"`    // shutdown wait for the capture loop
	USB            USBConfig `yaml:"usb"`
}

// USBConfig contains USB microphone matching and negotiation parameters
type USBConfig struct {
	Match               string `yaml:"match"` // substring of the device name
	VendorID            uint16 `yaml:"vendor_id"`
	ProductID           uint16 `yaml:"product_id"`
	PreferredSampleRate int    `yaml:"preferred_sample_rate"` // 0 selects 48000
	PreferredChannels   int    `yaml:"preferred_channels"`    // 0 requests the raw channel count
	PollIntervalMs      int    `yaml:"poll_interval_ms"`
}

// PipelineConfig contains capture buffer sizes and lock bounds
type PipelineConfig struct {
	RawBufferSize        int `yaml:"raw_buffer_size"`       // bytes
	ProcessedBufferSize  int `yaml:"processed_buffer_size"` // bytes
	IngestLockTimeoutMs  int `yaml:"ingest_lock_timeout_ms"`
	DrainLockTimeoutMs   int `yaml:"drain_lock_timeout_ms"`
	ControlLockTimeoutMs int `yaml:"control_lock_timeout_ms"`
}

// PlaybackConfig contains output path parameters
type PlaybackConfig struct {
	Device           string `yaml:"device"` // "malgo" or "discard"
	SampleRate       int    `yaml:"sample_rate"`
	Channels         int    `yaml:"channels"`
	BufferSize       int    `yaml:"buffer_size"`        // playback ring buffer, bytes
	ChunkSize        int    `yaml:"chunk_size"`         // bytes per drain cycle
	DrainIntervalMs  int    `yaml:"drain_interval_ms"`  // 0 derives it from chunk size
	WriteTimeoutMs   int    `yaml:"write_timeout_ms"`   // output device write bound
	DeviceBufferSize int    `yaml:"device_buffer_size"` // bytes queued ahead of the device
	Volume           int    `yaml:"volume"`
	Muted            bool   `yaml:"muted"`
}

// VADConfig contains voice activity detection parameters
type VADConfig struct {
	ThresholdDB float32 `yaml:"threshold_db"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RecorderConfig controls the local WAV recorder
type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Directory     string `yaml:"directory"`
	Raw           bool   `yaml:"raw"`
	Processed     bool   `yaml:"processed"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	ChunkSize     int    `yaml:"chunk_size"` // bytes per read
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			Transport:      "peripheral",
			SampleRate:     48000,
			Channels:       2,
			FrameSamples:   240,
			ReadTimeoutMs:  100,
			ErrorBackoffMs: 10,
			StopGraceMs:    200,
			USB: USBConfig{
				Match:               "ReSpeaker",
				VendorID:            0x2886,
				ProductID:           0x0018,
				PreferredSampleRate: 48000,
				PollIntervalMs:      1000,
			},
		},
		Pipeline: PipelineConfig{
			RawBufferSize:        64 * 1024,
			ProcessedBufferSize:  16 * 1024,
			IngestLockTimeoutMs:  5,
			DrainLockTimeoutMs:   10,
			ControlLockTimeoutMs: 100,
		},
		Playback: PlaybackConfig{
			Device:           "malgo",
			SampleRate:       48000,
			Channels:         2,
			BufferSize:       4096,
			ChunkSize:        512,
			WriteTimeoutMs:   10,
			DeviceBufferSize: 8192,
			Volume:           70,
		},
		VAD: VADConfig{
			ThresholdDB: -40,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Recorder: RecorderConfig{
			Directory:     "recordings",
			Processed:     true,
			ReadTimeoutMs: 20,
			ChunkSize:     3200,
		},
	}
}

// Load reads the configuration file on top of Default, applies environment
// overrides (a .env file in the working directory is honoured), and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := loadDotEnv(dotEnvFile); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadDotEnv exports the variables in path that are not already set. A
// missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from VOICE_PIPELINE_* environment variables.
func (c *Config) ApplyEnv() error {
	texts := map[string]*string{
		"CAPTURE_TRANSPORT": &c.Capture.Transport,
		"USB_MATCH":         &c.Capture.USB.Match,
		"PLAYBACK_DEVICE":   &c.Playback.Device,
		"HTTP_ADDRESS":      &c.HTTP.Address,
		"LOG_LEVEL":         &c.Logging.Level,
		"LOG_FORMAT":        &c.Logging.Format,
		"LOG_OUTPUT":        &c.Logging.Output,
		"RECORDER_DIR":      &c.Recorder.Directory,
	}
	for key, field := range texts {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"HTTP_PORT":           &c.HTTP.Port,
		"CAPTURE_SAMPLE_RATE": &c.Capture.SampleRate,
		"CAPTURE_CHANNELS":    &c.Capture.Channels,
		"VOLUME":              &c.Playback.Volume,
	}
	for key, field := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s must be an integer, got '%s'", envPrefix, key, v)
		}
		*field = n
	}

	bools := map[string]*bool{
		"HTTP_ENABLED":     &c.HTTP.Enabled,
		"RECORDER_ENABLED": &c.Recorder.Enabled,
		"MUTED":            &c.Playback.Muted,
	}
	for key, field := range bools {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s must be a boolean, got '%s'", envPrefix, key, v)
		}
		*field = b
	}

	if v, ok := os.LookupEnv(envPrefix + "VAD_THRESHOLD_DB"); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("%sVAD_THRESHOLD_DB must be a number, got '%s'", envPrefix, v)
		}
		c.VAD.ThresholdDB = float32(f)
	}

	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder config: %w", err)
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.Transport != "peripheral" && c.Transport != "usb" {
		return fmt.Errorf("transport must be 'peripheral' or 'usb', got '%s'", c.Transport)
	}

	if c.SampleRate < 16000 || c.SampleRate%16000 != 0 {
		return fmt.Errorf("sample_rate must be a multiple of 16000 Hz, got %d", c.SampleRate)
	}

	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}

	if c.FrameSamples < 1 {
		return fmt.Errorf("frame_samples must be at least 1, got %d", c.FrameSamples)
	}

	if c.ReadTimeoutMs < 1 {
		return fmt.Errorf("read_timeout_ms must be at least 1, got %d", c.ReadTimeoutMs)
	}

	if c.StopGraceMs < 1 {
		return fmt.Errorf("stop_grace_ms must be at least 1, got %d", c.StopGraceMs)
	}

	if c.Transport == "usb" {
		if c.USB.PreferredSampleRate < 0 {
			return fmt.Errorf("usb preferred_sample_rate cannot be negative, got %d", c.USB.PreferredSampleRate)
		}
		if c.USB.PreferredChannels < 0 || c.USB.PreferredChannels > 2 {
			return fmt.Errorf("usb preferred_channels must be between 0 and 2, got %d", c.USB.PreferredChannels)
		}
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	if p.RawBufferSize < 1024 {
		return fmt.Errorf("raw_buffer_size must be at least 1024 bytes, got %d", p.RawBufferSize)
	}

	if p.ProcessedBufferSize < 512 {
		return fmt.Errorf("processed_buffer_size must be at least 512 bytes, got %d", p.ProcessedBufferSize)
	}

	if p.IngestLockTimeoutMs < 0 || p.DrainLockTimeoutMs < 0 || p.ControlLockTimeoutMs < 0 {
		return fmt.Errorf("lock timeouts cannot be negative")
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.Device != "malgo" && p.Device != "discard" {
		return fmt.Errorf("device must be 'malgo' or 'discard', got '%s'", p.Device)
	}

	if p.SampleRate < 8000 {
		return fmt.Errorf("sample_rate must be at least 8000 Hz, got %d", p.SampleRate)
	}

	if p.Channels != 1 && p.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", p.Channels)
	}

	if p.ChunkSize < 2 || p.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk_size must be a positive even number of bytes, got %d", p.ChunkSize)
	}

	if p.BufferSize <= p.ChunkSize {
		return fmt.Errorf("buffer_size (%d) must be greater than chunk_size (%d)", p.BufferSize, p.ChunkSize)
	}

	if p.Volume < 0 || p.Volume > 100 {
		return fmt.Errorf("volume must be between 0 and 100, got %d", p.Volume)
	}

	if p.WriteTimeoutMs < 1 {
		return fmt.Errorf("write_timeout_ms must be at least 1, got %d", p.WriteTimeoutMs)
	}

	if p.Device == "malgo" && p.DeviceBufferSize < p.ChunkSize {
		return fmt.Errorf("device_buffer_size (%d) must hold at least one chunk (%d)", p.DeviceBufferSize, p.ChunkSize)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.ThresholdDB > 0 || v.ThresholdDB < -96 {
		return fmt.Errorf("threshold_db must be between -96 and 0, got %f", v.ThresholdDB)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Validate validates recorder configuration
func (r *RecorderConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Directory == "" {
		return fmt.Errorf("directory cannot be empty when the recorder is enabled")
	}

	if !r.Raw && !r.Processed {
		return fmt.Errorf("at least one of raw or processed must be recorded")
	}

	if r.ChunkSize < 2 {
		return fmt.Errorf("chunk_size must be at least 2 bytes, got %d", r.ChunkSize)
	}

	if r.ReadTimeoutMs < 1 {
		return fmt.Errorf("read_timeout_ms must be at least 1, got %d", r.ReadTimeoutMs)
	}

	return nil
}

// GetReadTimeout returns the peripheral read timeout as a time.Duration
func (c *CaptureConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// GetErrorBackoff returns the read error backoff as a time.Duration
func (c *CaptureConfig) GetErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMs) * time.Millisecond
}

// GetStopGrace returns the capture shutdown grace period as a time.Duration
func (c *CaptureConfig) GetStopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

// GetPollInterval returns the USB device scan interval as a time.Duration
func (u *USBConfig) GetPollInterval() time.Duration {
	return time.Duration(u.PollIntervalMs) * time.Millisecond
}

// GetIngestLockTimeout returns the ingest lock bound as a time.Duration
func (p *PipelineConfig) GetIngestLockTimeout() time.Duration {
	return time.Duration(p.IngestLockTimeoutMs) * time.Millisecond
}

// GetDrainLockTimeout returns the drain lock bound as a time.Duration
func (p *PipelineConfig) GetDrainLockTimeout() time.Duration {
	return time.Duration(p.DrainLockTimeoutMs) * time.Millisecond
}

// GetControlLockTimeout returns the control lock bound as a time.Duration
func (p *PipelineConfig) GetControlLockTimeout() time.Duration {
	return time.Duration(p.ControlLockTimeoutMs) * time.Millisecond
}

// GetDrainInterval returns the drain cadence as a time.Duration
func (p *PlaybackConfig) GetDrainInterval() time.Duration {
	return time.Duration(p.DrainIntervalMs) * time.Millisecond
}

// GetWriteTimeout returns the output write bound as a time.Duration
func (p *PlaybackConfig) GetWriteTimeout() time.Duration {
	return time.Duration(p.WriteTimeoutMs) * time.Millisecond
}

// GetReadTimeout returns the recorder read timeout as a time.Duration
func (r *RecorderConfig) GetReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutMs) * time.Millisecond
}
