// Package gmc talks to GQ Electronics Geiger counters over a serial
// port using the GQ-RFC1801 command protocol.
package gmc

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

// Commands from GQ-RFC1801.
var (
	cmdGetVer    = []byte("<GETVER>>")
	cmdGetCPM    = []byte("<GETCPM>>")
	cmdGetSerial = []byte("<GETSERIAL>>")
)

var (
	// ErrNotConnected is returned by operations on a closed device.
	ErrNotConnected = errors.New("gmc: device is not connected")

	// ErrReadTimeout is returned when the device stops answering
	// before a full response arrived.
	ErrReadTimeout = errors.New("gmc: read timeout")
)

// versionPattern splits "GMC-800Re1.10" into model and firmware.
var versionPattern = regexp.MustCompile(`^(.*?)(\d+\.\d+)$`)

// Config captures the serial connection details.
type Config struct {
	Port     string  `yaml:"port"`
	Baudrate int     `yaml:"baudrate"`
	Timeout  float64 `yaml:"timeout"` // seconds
}

func (c *Config) ApplyDefaults() {
	if c.Baudrate == 0 {
		c.Baudrate = 115200
	}
	if c.Timeout == 0 {
		c.Timeout = 5.0
	}
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Baudrate <= 0 {
		return fmt.Errorf("baudrate must be positive, got %d", c.Baudrate)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %g", c.Timeout)
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// Device implements ports.Device for GMC counters.
type Device struct {
	cfg  Config
	obs  ports.Observability
	port serial.Port
	info domain.DeviceInfo

	// openPort is swapped out in tests.
	openPort func(name string, mode *serial.Mode) (serial.Port, error)
	// settle is the delay granted to the device between command and
	// response; some CH340-based models drop bytes without it.
	settle time.Duration
}

func NewDevice(cfg Config, obs ports.Observability) (*Device, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Device{
		cfg:      cfg,
		obs:      obs,
		openPort: serial.Open,
		settle:   100 * time.Millisecond,
	}, nil
}

// Connect opens the serial port and queries the device identity.
func (d *Device) Connect(ctx context.Context) error {
	if d.port != nil {
		return nil
	}

	d.obs.LogInfo("gmc_connecting",
		ports.Field{Key: "port", Value: d.cfg.Port},
		ports.Field{Key: "baudrate", Value: d.cfg.Baudrate})

	port, err := d.openPort(d.cfg.Port, &serial.Mode{
		BaudRate: d.cfg.Baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("gmc: open %s: %w", d.cfg.Port, err)
	}

	if err := port.SetReadTimeout(d.cfg.timeout()); err != nil {
		port.Close()
		return fmt.Errorf("gmc: set read timeout: %w", err)
	}

	// Some CH340 chips need DTR/RTS asserted before they talk.
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return fmt.Errorf("gmc: set DTR: %w", err)
	}
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return fmt.Errorf("gmc: set RTS: %w", err)
	}

	d.port = port

	// Let the device finish initializing, then drop stale bytes.
	if !sleepCtx(ctx, 5*d.settle) {
		d.Close()
		return ctx.Err()
	}
	d.port.ResetInputBuffer()
	d.port.ResetOutputBuffer()

	info, err := d.queryInfo(ctx)
	if err != nil {
		d.Close()
		return err
	}
	d.info = info

	d.obs.LogInfo("gmc_connected", ports.Field{Key: "device", Value: info.String()})
	return nil
}

// Close shuts the serial port. Safe to call on a closed device.
func (d *Device) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Info returns the identity captured during Connect.
func (d *Device) Info() domain.DeviceInfo { return d.info }

// ReadCPM polls the counter once. The response is a 4-byte big-endian
// count, stamped with the local wall clock on arrival.
func (d *Device) ReadCPM(ctx context.Context) (domain.Reading, error) {
	if d.port == nil {
		return domain.Reading{}, ErrNotConnected
	}

	if err := d.send(cmdGetCPM); err != nil {
		return domain.Reading{}, err
	}
	if !sleepCtx(ctx, d.settle) {
		return domain.Reading{}, ctx.Err()
	}

	buf, err := d.readFull(4)
	if err != nil {
		return domain.Reading{}, err
	}
	cpm := int(binary.BigEndian.Uint32(buf))

	reading, err := domain.NewReading(cpm, time.Now())
	if err != nil {
		return domain.Reading{}, fmt.Errorf("gmc: invalid reading: %w", err)
	}
	return reading, nil
}

func (d *Device) queryInfo(ctx context.Context) (domain.DeviceInfo, error) {
	if err := d.send(cmdGetVer); err != nil {
		return domain.DeviceInfo{}, err
	}
	if !sleepCtx(ctx, 2*d.settle) {
		return domain.DeviceInfo{}, ctx.Err()
	}

	raw, err := d.readUntil(0x00, 20)
	if err != nil {
		return domain.DeviceInfo{}, err
	}
	version := strings.TrimSpace(string(raw))
	if version == "" {
		return domain.DeviceInfo{}, errors.New("gmc: empty version string")
	}

	model, fw := ParseVersion(version)
	info := domain.DeviceInfo{Model: model, Version: fw}

	// Not every model answers GETSERIAL; a missing serial is fine.
	if err := d.send(cmdGetSerial); err == nil {
		if sleepCtx(ctx, d.settle/2) {
			if raw, err := d.readFull(7); err == nil {
				info.Serial = strings.ToUpper(hex.EncodeToString(raw))
			} else {
				d.obs.LogDebug("gmc_no_serial", ports.Field{Key: "reason", Value: err.Error()})
			}
		}
	}

	return info, nil
}

func (d *Device) send(cmd []byte) error {
	if d.port == nil {
		return ErrNotConnected
	}
	// Stale response bytes would desynchronize the next read.
	d.port.ResetInputBuffer()
	if _, err := d.port.Write(cmd); err != nil {
		return fmt.Errorf("gmc: send %s: %w", cmd, err)
	}
	if err := d.port.Drain(); err != nil {
		return fmt.Errorf("gmc: drain: %w", err)
	}
	return nil
}

// readFull reads exactly n bytes. The port read timeout bounds each
// Read call; a zero-byte read means the device went quiet.
func (d *Device) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := d.port.Read(buf[read:])
		if err != nil {
			return nil, fmt.Errorf("gmc: read: %w", err)
		}
		if m == 0 {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrReadTimeout, n, read)
		}
		read += m
	}
	return buf, nil
}

// readUntil reads until the terminator byte, a quiet line, or max
// bytes. The terminator is not included.
func (d *Device) readUntil(terminator byte, max int) ([]byte, error) {
	out := make([]byte, 0, max)
	one := make([]byte, 1)
	for len(out) < max {
		m, err := d.port.Read(one)
		if err != nil {
			return nil, fmt.Errorf("gmc: read: %w", err)
		}
		if m == 0 || one[0] == terminator {
			break
		}
		out = append(out, one[0])
	}
	return out, nil
}

// ParseVersion splits a raw GETVER response like "GMC-800Re1.10" into
// model and firmware version. Unparseable strings fall back to a
// last-space split, then to the whole string as the model.
func ParseVersion(raw string) (model, version string) {
	if m := versionPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	if i := strings.LastIndex(raw, " "); i > 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ ports.Device = (*Device)(nil)
