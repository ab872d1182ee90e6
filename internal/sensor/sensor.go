package sensor

import (
	"fmt"
	"io"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"

	"cloudpico-node/internal/config"
	"cloudpico-node/internal/telemetry"
)

// Device is an initialized sensor that owns its bus.
type Device interface {
	telemetry.Sensor
	io.Closer
}

// BME280 reads a Bosch BME280 through periph.io.
type BME280 struct {
	dev *bmxx80.Dev
}

func NewBME280(bus i2c.Bus, addr uint16) (*BME280, error) {
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		return nil, fmt.Errorf("bme280 at 0x%02X: %w", addr, err)
	}
	return &BME280{dev: dev}, nil
}

func (b *BME280) sense() (physic.Env, error) {
	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return physic.Env{}, fmt.Errorf("%w: %v", telemetry.ErrNoData, err)
	}
	return env, nil
}

func (b *BME280) ReadTemperature() (float32, error) {
	env, err := b.sense()
	if err != nil {
		return 0, err
	}
	return float32(env.Temperature.Celsius()), nil
}

func (b *BME280) ReadHumidity() (float32, error) {
	env, err := b.sense()
	if err != nil {
		return 0, err
	}
	return float32(env.Humidity) / float32(physic.PercentRH), nil
}

func (b *BME280) Close() error { return b.dev.Halt() }

type busDevice struct {
	telemetry.Sensor
	closeDev func() error
	bus      i2c.BusCloser
}

func (d *busDevice) Close() error {
	var err error
	if d.closeDev != nil {
		err = d.closeDev()
	}
	if cerr := d.bus.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open initializes the host, opens the configured I2C bus and brings up the
// configured sensor model. Any failure here is fatal for the node.
func Open(cfg config.Config, logger *slog.Logger) (Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}

	bus, err := i2creg.Open(cfg.I2CBus) // "" is the default bus, usually /dev/i2c-1
	if err != nil {
		return nil, fmt.Errorf("i2c open %q: %w", cfg.I2CBus, err)
	}
	if err := bus.SetSpeed(physic.Frequency(cfg.I2CSpeedHz) * physic.Hertz); err != nil {
		// Not every bus driver supports changing speed.
		logger.Warn("i2c set speed failed", "hz", cfg.I2CSpeedHz, "error", err)
	}

	switch cfg.SensorModel {
	case config.SensorBME280:
		dev, err := NewBME280(bus, cfg.SensorAddress)
		if err != nil {
			_ = bus.Close()
			return nil, err
		}
		logger.Info("sensor initialized", "model", cfg.SensorModel, "addr", fmt.Sprintf("0x%02X", cfg.SensorAddress), "bus", bus.String())
		return &busDevice{Sensor: dev, closeDev: dev.Close, bus: bus}, nil
	default:
		dev := NewSHT31(bus, cfg.SensorAddress)
		if err := dev.Begin(); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("sensor not found: %w", err)
		}
		logger.Info("sensor initialized", "model", cfg.SensorModel, "addr", fmt.Sprintf("0x%02X", cfg.SensorAddress), "bus", bus.String())
		return &busDevice{Sensor: dev, bus: bus}, nil
	}
}
