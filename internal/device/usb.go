package device

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/skypro1111/voice-pipeline/internal/audio"
	"github.com/skypro1111/voice-pipeline/internal/capture"
)

var errNoDevice = errors.New("no USB capture device attached")

// USBDriverConfig contains USB device matching parameters. miniaudio does not
// expose USB descriptors, so the ids reported for a matched device are the
// configured ones.
type USBDriverConfig struct {
	Match        string        // Case-insensitive substring of the device name
	VendorID     uint16        // Reported for matched devices
	ProductID    uint16        // Reported for matched devices
	PollInterval time.Duration // How often the device list is scanned
	PeriodMs     uint32        // Device callback period
}

// USBDriver watches the capture device list for a matching microphone and
// streams from it. It implements capture.Driver.
type USBDriver struct {
	config USBDriverConfig
	logger *slog.Logger

	ctx     *malgo.AllocatedContext
	handler capture.EventHandler

	mu        sync.Mutex
	device    *malgo.Device
	current   *malgo.DeviceInfo
	connected bool

	stop chan struct{}
	done chan struct{}
}

// NewUSBDriver creates a driver. Nothing is opened until Open.
func NewUSBDriver(cfg USBDriverConfig, logger *slog.Logger) *USBDriver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PeriodMs == 0 {
		cfg.PeriodMs = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &USBDriver{
		config: cfg,
		logger: logger.With(slog.String("component", "usb_driver")),
	}
}

// Open initializes miniaudio and starts watching for the device.
func (d *USBDriver) Open(h capture.EventHandler) error {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize audio context: %w", err)
	}

	d.ctx = ctx
	d.handler = h
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	go d.watch()
	return nil
}

// watch polls for attach and detach.
func (d *USBDriver) watch() {
	defer close(d.done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		d.scan()

		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}

func (d *USBDriver) scan() {
	info, err := d.find()

	d.mu.Lock()
	wasConnected := d.connected
	d.mu.Unlock()

	switch {
	case err == nil && !wasConnected:
		desc := d.describe(info)
		d.mu.Lock()
		d.current = &info
		d.connected = true
		d.mu.Unlock()

		d.handler.DeviceConnected(desc)

	case err != nil && wasConnected:
		if err := d.StopStream(); err != nil {
			d.logger.Warn("Failed to stop detached device", slog.String("error", err.Error()))
		}
		d.mu.Lock()
		d.current = nil
		d.connected = false
		d.mu.Unlock()

		d.handler.DeviceDisconnected()

	case err != nil && !errors.Is(err, errNoDevice):
		d.logger.Debug("Device scan failed", slog.String("error", err.Error()))
	}
}

func (d *USBDriver) find() (malgo.DeviceInfo, error) {
	infos, err := d.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, fmt.Errorf("failed to list capture devices: %w", err)
	}

	match := strings.ToLower(d.config.Match)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), match) {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, errNoDevice
}

func (d *USBDriver) describe(info malgo.DeviceInfo) capture.DeviceDescriptor {
	desc := capture.DeviceDescriptor{
		Name:      info.Name(),
		VendorID:  d.config.VendorID,
		ProductID: d.config.ProductID,
		BitDepth:  16,
	}

	full, err := d.ctx.DeviceInfo(malgo.Capture, info.ID, malgo.Shared)
	if err != nil {
		d.logger.Debug("Device format query failed", slog.String("error", err.Error()))
		return desc
	}
	for _, f := range full.Formats {
		if desc.Channels == 0 || int(f.Channels) > desc.Channels {
			desc.Channels = int(f.Channels)
		}
		rate := int(f.SampleRate)
		if rate > 0 && !slices.Contains(desc.SampleRates, rate) {
			desc.SampleRates = append(desc.SampleRates, rate)
		}
	}
	return desc
}

// StartStream opens the matched device at format and starts delivering data.
func (d *USBDriver) StartStream(format audio.StreamFormat) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return nil
	}
	if d.current == nil {
		return errNoDevice
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Capture.DeviceID = d.current.ID.Pointer()
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = d.config.PeriodMs

	handler := d.handler
	device, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			handler.DataReady(input)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("failed to start capture device: %w", err)
	}

	d.device = device
	return nil
}

// StopStream stops the device. Data callbacks have returned when it does.
func (d *USBDriver) StopStream() error {
	d.mu.Lock()
	device := d.device
	d.device = nil
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	device.Uninit()
	return nil
}

// Close stops watching and releases miniaudio.
func (d *USBDriver) Close() error {
	if d.ctx == nil {
		return nil
	}

	close(d.stop)
	<-d.done

	if err := d.StopStream(); err != nil {
		return err
	}
	if err := d.ctx.Uninit(); err != nil {
		return fmt.Errorf("failed to release audio context: %w", err)
	}
	d.ctx.Free()
	d.ctx = nil
	return nil
}

var _ capture.Driver = (*USBDriver)(nil)
