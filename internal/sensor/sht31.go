// Package sensor reads temperature and relative humidity from I2C sensors.
package sensor

import (
	"errors"
	"fmt"
	"time"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/sht3x"

	"cloudpico-node/internal/telemetry"
)

// SHT3x addresses and commands (Sensirion datasheet, section 4). The
// sht3x package drops bus errors and skips the CRC, so only its constants
// are used.
const (
	SHT31AddressA = sht3x.AddressA
	SHT31AddressB = sht3x.AddressB

	sht31MeasureHighRep = sht3x.MEASUREMENT_COMMAND_MSB<<8 | sht3x.MEASUREMENT_COMMAND_LSB
	sht31SoftReset      = 0x30A2
	sht31ReadStatus     = 0xF32D

	sht31MeasureWait = 15 * time.Millisecond
	sht31ResetWait   = 2 * time.Millisecond
)

var ErrCRC = errors.New("sht31: crc mismatch")

// SHT31 drives a Sensirion SHT3x over any bus with a Tx method, which
// includes periph.io i2c buses and TinyGo machine.I2C.
type SHT31 struct {
	bus  drivers.I2C
	addr uint16
	wait time.Duration

	temperature float32
	humidity    float32
}

func NewSHT31(bus drivers.I2C, addr uint16) *SHT31 {
	if addr == 0 {
		addr = SHT31AddressA
	}
	return &SHT31{bus: bus, addr: addr, wait: sht31MeasureWait}
}

// Begin resets the sensor and reads its status register to confirm it answers.
func (d *SHT31) Begin() error {
	if err := d.command(sht31SoftReset); err != nil {
		return fmt.Errorf("sht31 at 0x%02X: reset: %w", d.addr, err)
	}
	time.Sleep(sht31ResetWait)

	if err := d.command(sht31ReadStatus); err != nil {
		return fmt.Errorf("sht31 at 0x%02X: status: %w", d.addr, err)
	}
	var buf [3]byte
	if err := d.bus.Tx(d.addr, nil, buf[:]); err != nil {
		return fmt.Errorf("sht31 at 0x%02X: status read: %w", d.addr, err)
	}
	if crc8(buf[:2]) != buf[2] {
		return fmt.Errorf("sht31 at 0x%02X: status: %w", d.addr, ErrCRC)
	}
	return nil
}

// Update implements drivers.Sensor. Temperature and humidity always come from
// the same measurement.
func (d *SHT31) Update(which drivers.Measurement) error {
	if which&(drivers.Temperature|drivers.Humidity) == 0 {
		return nil
	}
	if err := d.command(sht31MeasureHighRep); err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrNoData, err)
	}
	if d.wait > 0 {
		time.Sleep(d.wait)
	}

	var buf [6]byte
	if err := d.bus.Tx(d.addr, nil, buf[:]); err != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrNoData, err)
	}
	if crc8(buf[0:2]) != buf[2] || crc8(buf[3:5]) != buf[5] {
		return fmt.Errorf("%w: %v", telemetry.ErrNoData, ErrCRC)
	}

	rawT := uint16(buf[0])<<8 | uint16(buf[1])
	rawH := uint16(buf[3])<<8 | uint16(buf[4])
	d.temperature = -45 + 175*float32(rawT)/65535
	d.humidity = 100 * float32(rawH) / 65535
	return nil
}

// Temperature returns the last measured temperature in Celsius.
func (d *SHT31) Temperature() float32 { return d.temperature }

// Humidity returns the last measured relative humidity in percent.
func (d *SHT31) Humidity() float32 { return d.humidity }

// ReadTemperature performs a measurement and returns the temperature.
func (d *SHT31) ReadTemperature() (float32, error) {
	if err := d.Update(drivers.Temperature); err != nil {
		return 0, err
	}
	return d.temperature, nil
}

// ReadHumidity performs a measurement and returns the relative humidity.
func (d *SHT31) ReadHumidity() (float32, error) {
	if err := d.Update(drivers.Humidity); err != nil {
		return 0, err
	}
	return d.humidity, nil
}

func (d *SHT31) command(cmd uint16) error {
	return d.bus.Tx(d.addr, []byte{byte(cmd >> 8), byte(cmd)}, nil)
}

// crc8 is the Sensirion CRC: polynomial 0x31, init 0xFF, no reflection.
func crc8(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
