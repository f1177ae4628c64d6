package capture

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-pipeline/internal/audio"
)

// Vendor and product id of the ReSpeaker USB mic array, which beamforms on board.
const (
	EnhancedVendorID  uint16 = 0x2886
	EnhancedProductID uint16 = 0x0018

	defaultUSBSampleRate = 48000
)

// USBState is the connection state of the USB source
type USBState int32

const (
	USBIdle USBState = iota
	USBWaiting
	USBConnected
	USBStreaming
	USBError
)

func (s USBState) String() string {
	switch s {
	case USBIdle:
		return "idle"
	case USBWaiting:
		return "waiting"
	case USBConnected:
		return "connected"
	case USBStreaming:
		return "streaming"
	case USBError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DeviceDescriptor is what a driver knows about a newly attached device.
type DeviceDescriptor struct {
	Name        string
	VendorID    uint16
	ProductID   uint16
	Channels    int   // 0 if unknown
	BitDepth    int   // 0 if unknown
	SampleRates []int // Supported rates, empty if unknown
}

// EventHandler receives device events from a Driver. Calls for one device
// are never concurrent with each other.
type EventHandler interface {
	DeviceConnected(desc DeviceDescriptor)
	DeviceDisconnected()
	DataReady(p []byte)
}

// Driver is a USB audio-class host. Events are delivered from the driver's
// own goroutines.
type Driver interface {
	Open(h EventHandler) error
	StartStream(format audio.StreamFormat) error
	StopStream() error
	Close() error
}

// USBConfig contains USB source parameters
type USBConfig struct {
	// Target is the format the sink expects.
	Target              audio.StreamFormat
	PreferredSampleRate int // 0 selects 48000
	PreferredChannels   int // 0 requests the target channel count
	StopGrace           time.Duration
	// OnConnection is called after every connect and disconnect.
	OnConnection func(connected bool, info DeviceInfo)
}

// USBSource adapts driver events to the sink. On connect it negotiates a
// format, reports the device and starts streaming; data that does not match
// the target format is mixed and decimated with the source's own counter.
type USBSource struct {
	driver Driver
	sink   Sink
	config USBConfig
	logger *slog.Logger

	mu          sync.RWMutex
	state       USBState
	info        DeviceInfo
	ready       bool
	passthrough bool
	converter   *converter // nil when the device format cannot be converted

	streaming atomic.Bool
	inflight  atomic.Int32

	chunks  atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

// NewUSBSource creates a USB capture source over driver.
func NewUSBSource(driver Driver, sink Sink, cfg USBConfig, logger *slog.Logger) *USBSource {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &USBSource{
		driver: driver,
		sink:   sink,
		config: cfg,
		logger: logger.With(slog.String("source", "usb")),
	}
}

// Name returns "usb".
func (s *USBSource) Name() string {
	return "usb"
}

// Start opens the driver and waits for a device.
func (s *USBSource) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.config.Target.Validate(); err != nil {
		return fmt.Errorf("usb target format: %w", err)
	}

	s.mu.Lock()
	if s.state != USBIdle && s.state != USBError {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = USBWaiting
	s.mu.Unlock()

	if err := s.driver.Open(s); err != nil {
		s.setState(USBError)
		return fmt.Errorf("failed to open USB host: %w", err)
	}

	s.logger.Info("Waiting for USB microphone",
		slog.Int("preferred_sample_rate", s.preferredRate()),
		slog.Int("preferred_channels", s.config.PreferredChannels),
	)
	return nil
}

// Stop halts streaming, waits for in-flight data callbacks, and closes the driver.
func (s *USBSource) Stop() error {
	if s.State() == USBIdle {
		return nil
	}
	s.streaming.Store(false)

	var stopErr error
	deadline := time.Now().Add(s.config.StopGrace)
	for s.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			stopErr = ErrStopTimeout
			s.logger.Warn("USB data callback still running after grace period")
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.driver.StopStream(); err != nil {
		s.logger.Warn("Failed to stop USB stream", slog.String("error", err.Error()))
	}
	if err := s.driver.Close(); err != nil {
		s.logger.Warn("Failed to close USB host", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	wasReady := s.ready
	s.ready = false
	s.state = USBIdle
	s.mu.Unlock()

	if wasReady {
		s.sink.OnDisconnect()
	}

	s.logger.Info("USB capture stopped",
		slog.Uint64("chunks", s.chunks.Load()),
		slog.Uint64("dropped", s.dropped.Load()),
	)
	return stopErr
}

// DeviceConnected negotiates a format, reports the device, and auto-starts streaming.
func (s *USBSource) DeviceConnected(desc DeviceDescriptor) {
	format := s.negotiate(desc)
	info := DeviceInfo{
		Transport:   "usb",
		Name:        desc.Name,
		VendorID:    desc.VendorID,
		ProductID:   desc.ProductID,
		Format:      format,
		Enhanced:    desc.VendorID == EnhancedVendorID && desc.ProductID == EnhancedProductID,
		SessionID:   uuid.NewString(),
		ConnectedAt: time.Now(),
	}

	passthrough := format == s.config.Target
	var conv *converter
	if !passthrough {
		conv = s.converterFor(format)
	}

	s.mu.Lock()
	s.info = info
	s.ready = true
	s.state = USBConnected
	s.passthrough = passthrough
	s.converter = conv
	s.mu.Unlock()

	attrs := []any{
		slog.String("name", info.Name),
		slog.String("vid", fmt.Sprintf("0x%04X", info.VendorID)),
		slog.String("pid", fmt.Sprintf("0x%04X", info.ProductID)),
		slog.String("format", format.String()),
		slog.Bool("enhanced", info.Enhanced),
	}
	s.logger.Info("USB microphone connected", attrs...)
	if !passthrough && conv == nil {
		s.logger.Warn("Device format cannot be converted to target, audio will be dropped",
			slog.String("device_format", format.String()),
			slog.String("target_format", s.config.Target.String()),
		)
	}

	s.sink.OnConnect(info)
	if s.config.OnConnection != nil {
		s.config.OnConnection(true, info)
	}

	if err := s.driver.StartStream(format); err != nil {
		s.setState(USBError)
		s.logger.Error("Failed to start USB stream", slog.String("error", err.Error()))
		return
	}
	s.streaming.Store(true)
	s.setState(USBStreaming)
}

// DeviceDisconnected clears ready and streaming and notifies the owner.
func (s *USBSource) DeviceDisconnected() {
	s.streaming.Store(false)

	s.mu.Lock()
	info := s.info
	wasReady := s.ready
	s.ready = false
	s.state = USBWaiting
	s.mu.Unlock()

	if !wasReady {
		return
	}

	s.logger.Warn("USB microphone disconnected", slog.String("name", info.Name))
	s.sink.OnDisconnect()
	if s.config.OnConnection != nil {
		s.config.OnConnection(false, info)
	}
}

// DataReady forwards one transfer, converting it first when needed.
func (s *USBSource) DataReady(p []byte) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	if !s.streaming.Load() || len(p) == 0 {
		return
	}

	s.mu.RLock()
	passthrough := s.passthrough
	conv := s.converter
	s.mu.RUnlock()

	if passthrough {
		s.forward(p)
		return
	}
	if conv == nil {
		s.dropped.Add(1)
		return
	}

	if out := conv.convert(audio.BytesToSamples(p)); len(out) > 0 {
		s.forward(audio.SamplesToBytes(out))
	}
}

func (s *USBSource) forward(p []byte) {
	s.sink.Ingest(p)
	s.chunks.Add(1)
	s.bytes.Add(uint64(len(p)))
}

// negotiate picks the stream format to request from the device.
func (s *USBSource) negotiate(desc DeviceDescriptor) audio.StreamFormat {
	rate := s.preferredRate()
	if len(desc.SampleRates) > 0 && !slices.Contains(desc.SampleRates, rate) {
		// Prefer the highest supported rate that still decimates cleanly.
		best := 0
		for _, r := range desc.SampleRates {
			if r%s.config.Target.SampleRate == 0 && r > best {
				best = r
			}
		}
		if best == 0 {
			best = desc.SampleRates[0]
		}
		rate = best
	}

	// The host converts channel counts, so without an explicit preference
	// ask for what the sink wants.
	channels := s.config.PreferredChannels
	if channels == 0 {
		channels = s.config.Target.Channels
	} else if desc.Channels > 0 && channels > desc.Channels {
		channels = desc.Channels
	}
	if channels < 1 {
		channels = 1
	}
	if channels > 2 {
		channels = 2
	}

	return audio.StreamFormat{SampleRate: rate, Channels: channels, BitsPerSample: 16}
}

// converter decimates device audio to mono at the target rate and, for a
// stereo target, duplicates each sample into both channels.
type converter struct {
	dec   *audio.Decimator
	upmix bool
}

func (c *converter) convert(in []int16) []int16 {
	out := make([]int16, c.dec.OutputLen(len(in)))
	out = out[:c.dec.Process(in, out)]
	if c.upmix {
		return audio.MonoToStereo(out)
	}
	return out
}

// converterFor returns a fresh converter from device to target, or nil when
// the rates are not an integer multiple or a stereo device would have to be
// mixed down and back up.
func (s *USBSource) converterFor(device audio.StreamFormat) *converter {
	target := s.config.Target
	if target.Channels == 2 && device.Channels != 1 {
		return nil
	}
	ratio, err := device.DecimationRatio(target)
	if err != nil {
		return nil
	}
	dec, err := audio.NewDecimator(device.Channels, ratio)
	if err != nil {
		return nil
	}
	return &converter{dec: dec, upmix: target.Channels == 2}
}

func (s *USBSource) preferredRate() int {
	if s.config.PreferredSampleRate > 0 {
		return s.config.PreferredSampleRate
	}
	return defaultUSBSampleRate
}

func (s *USBSource) setState(state USBState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the connection state.
func (s *USBSource) State() USBState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsReady reports whether a device is connected.
func (s *USBSource) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// IsEnhanced reports whether the connected device is the beamforming array.
func (s *USBSource) IsEnhanced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready && s.info.Enhanced
}

// Info returns the connected device, if any.
func (s *USBSource) Info() (DeviceInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info, s.ready
}

// Stats returns capture counters.
func (s *USBSource) Stats() SourceStats {
	return SourceStats{
		Chunks:    s.chunks.Load(),
		Bytes:     s.bytes.Load(),
		Dropped:   s.dropped.Load(),
		Streaming: s.streaming.Load(),
		State:     s.State().String(),
	}
}
