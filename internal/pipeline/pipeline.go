package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
	"github.com/skypro1111/voice-pipeline/internal/metrics"
	"github.com/skypro1111/voice-pipeline/internal/vad"
)

var (
	ErrNotInitialized     = errors.New("pipeline not initialized")
	ErrAlreadyInitialized = errors.New("pipeline already initialized")
	ErrReadyTimeout       = errors.New("timed out waiting for pipeline ready")
	ErrNoOutputDevice     = errors.New("output device is required")

	ErrInvalidRatio    = audio.ErrInvalidRatio
	ErrInvalidChannels = audio.ErrInvalidChannels
)

// CaptureFactory builds the capture source that will feed sink.
type CaptureFactory func(sink capture.Sink) (capture.Source, error)

// OutputDevice accepts playback chunks. Write must not retain p.
type OutputDevice interface {
	Write(p []byte, timeout time.Duration) (int, error)
	Close() error
}

// Statistics represents pipeline counters
type Statistics struct {
	RawOverruns         uint64 `json:"raw_overruns"`
	ProcessedOverruns   uint64 `json:"processed_overruns"`
	PlaybackUnderruns   uint64 `json:"playback_underruns"`
	IngestedChunks      uint64 `json:"ingested_chunks"`
	IngestLockMisses    uint64 `json:"ingest_lock_misses"`
	PlaybackChunks      uint64 `json:"playback_chunks"`
	PlaybackWriteErrors uint64 `json:"playback_write_errors"`
}

// BufferLevels holds ring buffer fill levels in percent.
type BufferLevels struct {
	Raw       int `json:"raw"`
	Processed int `json:"processed"`
	Playback  int `json:"playback"`
}

// Pipeline owns the capture and playback ring buffers and everything that
// moves audio through them.
type Pipeline struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	id      string

	// lifecycle serializes Init and Deinit
	lifecycle sync.Mutex

	// lock guards the three ring buffers
	lock      *bufferLock
	raw       *audio.RingBuffer
	processed *audio.RingBuffer
	playback  *audio.RingBuffer

	// decimator and partial are only touched from the capture goroutine
	decimator *audio.Decimator
	partial   []byte // trailing bytes of an incomplete frame
	detector  *vad.Detector

	source capture.Source
	output OutputDevice
	drain  *Drain

	initialized atomic.Bool
	state       atomic.Int32
	volume      atomic.Uint32
	muted       atomic.Bool

	rawOverruns       atomic.Uint64
	processedOverruns atomic.Uint64
	underruns         atomic.Uint64
	ingested          atomic.Uint64
	lockMisses        atomic.Uint64
	played            atomic.Uint64
	writeErrors       atomic.Uint64

	readyMu sync.Mutex
	ready   chan struct{}

	deviceMu  sync.RWMutex
	device    capture.DeviceInfo
	connected bool
}

// New creates an uninitialized pipeline.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.IngestLockTimeout <= 0 {
		cfg.IngestLockTimeout = defaults.IngestLockTimeout
	}
	if cfg.DrainLockTimeout <= 0 {
		cfg.DrainLockTimeout = defaults.DrainLockTimeout
	}
	if cfg.ControlLockTimeout <= 0 {
		cfg.ControlLockTimeout = defaults.ControlLockTimeout
	}
	if cfg.PlaybackChunkSize <= 0 {
		cfg.PlaybackChunkSize = defaults.PlaybackChunkSize
	}
	if cfg.PlaybackWriteTimeout <= 0 {
		cfg.PlaybackWriteTimeout = defaults.PlaybackWriteTimeout
	}
	if cfg.Volume > 100 {
		cfg.Volume = 100
	}

	id := uuid.New().String()
	return &Pipeline{
		config:   cfg,
		logger:   logger.With(slog.String("pipeline_id", id)),
		metrics:  m,
		id:       id,
		lock:     newBufferLock(),
		detector: vad.NewDetector(cfg.VADThresholdDB),
		ready:    make(chan struct{}),
	}
}

// Init allocates the buffers, starts the capture source built by factory, and
// marks the pipeline ready. Configuration errors leave the pipeline
// Uninitialized; resource or device failures leave it in StateError with
// nothing retained. Init owns out: on any failure other than
// ErrAlreadyInitialized it is closed, and on success Deinit closes it.
func (p *Pipeline) Init(ctx context.Context, factory CaptureFactory, out OutputDevice) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if out == nil {
		return ErrNoOutputDevice
	}

	ratio, decimator, err := p.checkConfig()
	if err != nil {
		p.closeOutput(out)
		return err
	}
	cfg := p.config

	p.output = out
	if err := p.allocate(); err != nil {
		p.fail()
		return fmt.Errorf("failed to allocate buffers: %w", err)
	}

	p.decimator = decimator
	p.partial = p.partial[:0]
	p.detector.SetThreshold(cfg.VADThresholdDB)
	p.detector.Reset()
	p.volume.Store(uint32(cfg.Volume))
	p.muted.Store(cfg.Muted)
	p.drain = newDrain(p, out)

	p.initialized.Store(true)
	p.setState(StateIdle)

	source, err := factory(p)
	if err != nil {
		p.fail()
		return fmt.Errorf("failed to create capture source: %w", err)
	}
	if err := source.Start(ctx); err != nil {
		p.fail()
		return fmt.Errorf("failed to start capture source %s: %w", source.Name(), err)
	}
	p.source = source

	p.metrics.SetVolume(cfg.Volume, cfg.Muted)

	p.readyMu.Lock()
	close(p.ready)
	p.readyMu.Unlock()

	p.logger.Info("Audio pipeline initialized",
		slog.String("source", source.Name()),
		slog.String("raw_format", cfg.RawFormat.String()),
		slog.String("processed_format", audio.ProcessedFormat().String()),
		slog.Int("decimation_ratio", ratio),
		slog.Int("raw_buffer", cfg.RawBufferSize),
		slog.Int("processed_buffer", cfg.ProcessedBufferSize),
		slog.Int("playback_buffer", cfg.PlaybackBufferSize),
	)

	return nil
}

// checkConfig validates the formats and builds the capture decimator.
func (p *Pipeline) checkConfig() (int, *audio.Decimator, error) {
	cfg := p.config
	if err := cfg.RawFormat.Validate(); err != nil {
		return 0, nil, fmt.Errorf("raw format: %w", err)
	}
	if err := cfg.PlaybackFormat.Validate(); err != nil {
		return 0, nil, fmt.Errorf("playback format: %w", err)
	}
	ratio, err := cfg.RawFormat.DecimationRatio(audio.ProcessedFormat())
	if err != nil {
		return 0, nil, err
	}
	decimator, err := audio.NewDecimator(cfg.RawFormat.Channels, ratio)
	if err != nil {
		return 0, nil, err
	}
	return ratio, decimator, nil
}

func (p *Pipeline) closeOutput(out OutputDevice) {
	if err := out.Close(); err != nil {
		p.logger.Warn("Output device close", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) allocate() error {
	raw, err := audio.NewRingBuffer(p.config.RawBufferSize)
	if err != nil {
		return fmt.Errorf("raw buffer: %w", err)
	}
	processed, err := audio.NewRingBuffer(p.config.ProcessedBufferSize)
	if err != nil {
		return fmt.Errorf("processed buffer: %w", err)
	}
	playback, err := audio.NewRingBuffer(p.config.PlaybackBufferSize)
	if err != nil {
		return fmt.Errorf("playback buffer: %w", err)
	}
	if playback.Capacity()-1 < p.config.PlaybackChunkSize {
		return fmt.Errorf("playback buffer of %d bytes cannot hold a %d byte chunk",
			playback.Capacity(), p.config.PlaybackChunkSize)
	}

	if !p.lock.acquire(p.config.ControlLockTimeout) {
		return errors.New("buffer lock busy")
	}
	p.raw, p.processed, p.playback = raw, processed, playback
	p.lock.release()
	return nil
}

// fail drops everything acquired during a failed Init, including the output
// device handed to it.
func (p *Pipeline) fail() {
	p.initialized.Store(false)
	if p.output != nil {
		p.closeOutput(p.output)
	}
	p.release()
	p.setState(StateError)
}

func (p *Pipeline) release() {
	if !p.lock.acquire(p.config.ControlLockTimeout) {
		p.logger.Warn("Buffer lock busy during teardown, waiting")
		p.lock.wait()
	}
	p.raw, p.processed, p.playback = nil, nil, nil
	p.lock.release()
	p.output = nil
	p.drain = nil
}

// Deinit stops capture, closes the output device, and frees the buffers, in
// that order. It is a no-op on an uninitialized pipeline.
func (p *Pipeline) Deinit() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.initialized.Load() {
		return
	}

	if p.source != nil {
		if err := p.source.Stop(); err != nil {
			p.logger.Warn("Capture source stop",
				slog.String("source", p.source.Name()),
				slog.String("error", err.Error()),
			)
		}
		p.source = nil
	}

	p.initialized.Store(false)
	p.setState(StateUninitialized)

	if p.output != nil {
		p.closeOutput(p.output)
	}
	p.release()

	p.readyMu.Lock()
	p.ready = make(chan struct{})
	p.readyMu.Unlock()

	p.logger.Info("Audio pipeline deinitialized", slog.Any("stats", p.Stats()))
}

// WaitReady blocks until Init has completed or timeout elapses.
func (p *Pipeline) WaitReady(timeout time.Duration) error {
	p.readyMu.Lock()
	ready := p.ready
	p.readyMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return ErrReadyTimeout
	}
}

// Ingest implements capture.Sink. The chunk is decimated outside the lock,
// both buffers are written under it, and VAD runs after it is released.
// Chunks need not be frame aligned: an incomplete trailing frame is held
// back and prepended to the next chunk.
func (p *Pipeline) Ingest(chunk []byte) {
	if !p.initialized.Load() || len(chunk) == 0 {
		return
	}

	data := p.wholeFrames(chunk)
	if len(data) == 0 {
		return
	}

	in := audio.BytesToSamples(data)
	out := make([]int16, p.decimator.OutputLen(len(in)))
	n := p.decimator.Process(in, out)
	decimated := out[:n]
	processedBytes := audio.SamplesToBytes(decimated)

	if !p.lock.acquire(p.config.IngestLockTimeout) {
		p.lockMisses.Add(1)
		return
	}
	if p.raw == nil {
		p.lock.release()
		return
	}
	rawOK := p.raw.TryWrite(data) > 0
	processedOK := len(processedBytes) == 0 || p.processed.TryWrite(processedBytes) > 0
	p.lock.release()

	p.ingested.Add(1)
	p.metrics.RecordIngest(len(data))
	if !rawOK {
		p.rawOverruns.Add(1)
		p.metrics.RecordRawOverrun()
	}
	if !processedOK {
		p.processedOverruns.Add(1)
		p.metrics.RecordProcessedOverrun()
	}

	if len(decimated) == 0 {
		return
	}
	before := p.detector.IsActive()
	activity := p.detector.Update(decimated)
	p.metrics.RecordVoiceActivity(activity.IsActive, activity.EnergyDB, activity.IsActive && !before)
}

// wholeFrames joins chunk to any held-back partial frame and returns the
// frame-aligned prefix, keeping the remainder for the next call.
func (p *Pipeline) wholeFrames(chunk []byte) []byte {
	data := chunk
	if len(p.partial) > 0 {
		data = make([]byte, 0, len(p.partial)+len(chunk))
		data = append(data, p.partial...)
		data = append(data, chunk...)
	}

	whole := len(data) - len(data)%p.config.RawFormat.FrameBytes()
	p.partial = append(p.partial[:0], data[whole:]...)
	return data[:whole]
}

// OnConnect implements capture.Sink. A new connection is a stream restart,
// so decimation phase starts over and any partial frame is discarded.
func (p *Pipeline) OnConnect(info capture.DeviceInfo) {
	if p.decimator != nil {
		p.decimator.Reset()
	}
	p.partial = p.partial[:0]

	p.deviceMu.Lock()
	p.device = info
	p.connected = true
	p.deviceMu.Unlock()

	p.metrics.RecordCaptureConnection(true)
	p.logger.Info("Capture device connected",
		slog.String("transport", info.Transport),
		slog.String("device", info.Name),
		slog.String("format", info.Format.String()),
		slog.Bool("enhanced", info.Enhanced),
		slog.String("session_id", info.SessionID),
	)
}

// OnDisconnect implements capture.Sink.
func (p *Pipeline) OnDisconnect() {
	p.deviceMu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.deviceMu.Unlock()

	if !wasConnected {
		return
	}
	p.metrics.RecordCaptureConnection(false)
	p.logger.Info("Capture device disconnected")
}

// ReadRaw copies up to len(buf) bytes of native-format audio. It returns 0
// when nothing is buffered or the lock could not be taken within timeout.
func (p *Pipeline) ReadRaw(buf []byte, timeout time.Duration) int {
	return p.read(buf, timeout, func() *audio.RingBuffer { return p.raw })
}

// ReadProcessed copies up to len(buf) bytes of 16 kHz mono audio.
func (p *Pipeline) ReadProcessed(buf []byte, timeout time.Duration) int {
	return p.read(buf, timeout, func() *audio.RingBuffer { return p.processed })
}

func (p *Pipeline) read(buf []byte, timeout time.Duration, target func() *audio.RingBuffer) int {
	if !p.initialized.Load() || len(buf) == 0 {
		return 0
	}
	if !p.lock.acquire(timeout) {
		return 0
	}
	defer p.lock.release()

	rb := target()
	if rb == nil {
		return 0
	}
	return rb.Read(buf)
}

// WritePlayback queues as much of buf as fits in the playback buffer and
// returns the number of bytes accepted.
func (p *Pipeline) WritePlayback(buf []byte, timeout time.Duration) int {
	if !p.initialized.Load() || len(buf) == 0 {
		return 0
	}
	if !p.lock.acquire(timeout) {
		return 0
	}
	defer p.lock.release()

	if p.playback == nil {
		return 0
	}
	return p.playback.Write(buf)
}

// Play starts draining playback.
func (p *Pipeline) Play() error {
	return p.transition("play", func(s State) State { return s.withPlaying(true) })
}

// Resume is Play after Pause.
func (p *Pipeline) Resume() error {
	return p.transition("resume", func(s State) State { return s.withPlaying(true) })
}

// Pause stops draining but keeps queued audio.
func (p *Pipeline) Pause() error {
	return p.transition("pause", func(s State) State { return s.withPlaying(false) })
}

// Stop returns to Idle and discards queued playback audio.
func (p *Pipeline) Stop() error {
	if err := p.transition("stop", func(State) State { return StateIdle }); err != nil {
		return err
	}

	if !p.lock.acquire(p.config.ControlLockTimeout) {
		p.logger.Warn("Buffer lock busy, playback buffer not cleared")
		return nil
	}
	if p.playback != nil {
		p.playback.Clear()
	}
	p.lock.release()
	return nil
}

// RecordStart marks the pipeline as recording.
func (p *Pipeline) RecordStart() error {
	return p.transition("record_start", func(s State) State { return s.withRecording(true) })
}

// RecordStop clears the recording flag.
func (p *Pipeline) RecordStop() error {
	return p.transition("record_stop", func(s State) State { return s.withRecording(false) })
}

func (p *Pipeline) transition(op string, next func(State) State) error {
	if !p.initialized.Load() {
		return ErrNotInitialized
	}

	for {
		current := State(p.state.Load())
		target := next(current)
		if p.state.CompareAndSwap(int32(current), int32(target)) {
			p.metrics.SetState(int(target))
			if current != target {
				p.logger.Debug("Pipeline state changed",
					slog.String("op", op),
					slog.String("from", current.String()),
					slog.String("to", target.String()),
				)
			}
			return nil
		}
	}
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.metrics.SetState(int(s))
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// SetVolume sets the playback volume in percent, clamping values above 100.
func (p *Pipeline) SetVolume(volume int) {
	if volume > 100 {
		volume = 100
	}
	if volume < 0 {
		volume = 0
	}
	p.volume.Store(uint32(volume))
	p.metrics.SetVolume(uint8(volume), p.muted.Load())
}

// Volume returns the playback volume in percent.
func (p *Pipeline) Volume() uint8 {
	return uint8(p.volume.Load())
}

// SetMute mutes or unmutes playback.
func (p *Pipeline) SetMute(muted bool) {
	p.muted.Store(muted)
	p.metrics.SetVolume(p.Volume(), muted)
}

// Muted reports whether playback is muted.
func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// VoiceDetected reports whether the last processed block was above threshold.
func (p *Pipeline) VoiceDetected() bool {
	return p.detector.IsActive()
}

// VoiceActivity returns a snapshot of the detector state.
func (p *Pipeline) VoiceActivity() vad.VoiceActivity {
	return p.detector.Activity()
}

// SetVADThreshold changes the activity threshold without resetting state.
func (p *Pipeline) SetVADThreshold(db float32) {
	p.detector.SetThreshold(db)
}

// VADThreshold returns the activity threshold in dBFS.
func (p *Pipeline) VADThreshold() float32 {
	return p.detector.Threshold()
}

// SubscribeVoiceActivity returns a channel that receives a snapshot on every
// quiet/active transition. Slow receivers miss updates.
func (p *Pipeline) SubscribeVoiceActivity() <-chan vad.VoiceActivity {
	return p.detector.Subscribe()
}

// VADStats returns detector statistics.
func (p *Pipeline) VADStats() vad.DetectorStats {
	return p.detector.GetStats()
}

// BufferLevels returns the playback (output) and processed (input) fill levels
// in percent.
func (p *Pipeline) BufferLevels() (outputPct, inputPct int) {
	levels := p.Levels()
	return levels.Playback, levels.Processed
}

// Levels returns the fill level of every ring buffer. Levels read as zero
// when the pipeline is not initialized or the lock is busy.
func (p *Pipeline) Levels() BufferLevels {
	if !p.initialized.Load() || !p.lock.acquire(p.config.ControlLockTimeout) {
		return BufferLevels{}
	}
	defer p.lock.release()

	if p.raw == nil {
		return BufferLevels{}
	}
	return BufferLevels{
		Raw:       p.raw.Level(),
		Processed: p.processed.Level(),
		Playback:  p.playback.Level(),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Statistics {
	return Statistics{
		RawOverruns:         p.rawOverruns.Load(),
		ProcessedOverruns:   p.processedOverruns.Load(),
		PlaybackUnderruns:   p.underruns.Load(),
		IngestedChunks:      p.ingested.Load(),
		IngestLockMisses:    p.lockMisses.Load(),
		PlaybackChunks:      p.played.Load(),
		PlaybackWriteErrors: p.writeErrors.Load(),
	}
}

// ResetStats zeroes the pipeline counters.
func (p *Pipeline) ResetStats() {
	p.rawOverruns.Store(0)
	p.processedOverruns.Store(0)
	p.underruns.Store(0)
	p.ingested.Store(0)
	p.lockMisses.Store(0)
	p.played.Store(0)
	p.writeErrors.Store(0)
	p.logger.Info("Pipeline statistics reset")
}

// RawFormat returns the native capture format.
func (p *Pipeline) RawFormat() audio.StreamFormat {
	return p.config.RawFormat
}

// ProcessedFormat returns the 16 kHz mono format.
func (p *Pipeline) ProcessedFormat() audio.StreamFormat {
	return audio.ProcessedFormat()
}

// PlaybackFormat returns the format WritePlayback expects.
func (p *Pipeline) PlaybackFormat() audio.StreamFormat {
	return p.config.PlaybackFormat
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.config
}

// ID returns the pipeline instance id.
func (p *Pipeline) ID() string {
	return p.id
}

// DeviceInfo returns the connected capture device, if any.
func (p *Pipeline) DeviceInfo() (capture.DeviceInfo, bool) {
	p.deviceMu.RLock()
	defer p.deviceMu.RUnlock()
	return p.device, p.connected
}

// SourceStats returns the capture source counters.
func (p *Pipeline) SourceStats() (capture.SourceStats, bool) {
	p.lifecycle.Lock()
	source := p.source
	p.lifecycle.Unlock()

	if source == nil {
		return capture.SourceStats{}, false
	}
	return source.Stats(), true
}

// Drain returns the playback drain, or nil before Init.
func (p *Pipeline) Drain() *Drain {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	return p.drain
}

var _ capture.Sink = (*Pipeline)(nil)
