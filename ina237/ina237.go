// Package ina237 drives the TI INA237 bus voltage and current monitor.
package ina237

import (
	"errors"
	"fmt"
	"math"

	"periph.io/x/conn/v3/i2c"
)

const (
	regConfig         = 0x00
	regADCConfig      = 0x01
	regShuntCal       = 0x02
	regBusVoltage     = 0x05
	regCurrent        = 0x07
	regPower          = 0x08
	regDiagAlert      = 0x0B
	regBusOverLimit   = 0x0E
	regBusUnderLimit  = 0x0F
	regManufacturerID = 0x3E
	regDeviceID       = 0x3F

	configReset = 0x8000
	// Continuous bus and shunt conversions, 4.12 ms each, 64 sample average.
	adcContinuous = 0xBFC3

	manufacturerTI = 0x5449
	deviceINA237   = 0x237

	busVoltageLSB = 0.003125
	shuntCalScale = 819.2e6
)

var ErrNotINA237 = errors.New("device is not an INA237")

// Opts describes the shunt fitted to the sensor.
type Opts struct {
	ShuntMicroOhms uint32
	MaxCurrentAmps float64
}

// DefaultOpts matches the 2 mOhm shunts and 50 A range of the bank hardware.
var DefaultOpts = Opts{
	ShuntMicroOhms: 2000,
	MaxCurrentAmps: 50,
}

type Dev struct {
	d          i2c.Dev
	currentLSB float64
	shuntCal   uint16
}

// New returns a driver for the sensor at addr. The chip is not touched until
// Init or a read is called.
func New(bus i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ShuntMicroOhms == 0 || opts.MaxCurrentAmps <= 0 {
		return nil, fmt.Errorf("ina237: invalid shunt %d uOhm or max current %g A", opts.ShuntMicroOhms, opts.MaxCurrentAmps)
	}
	currentLSB := opts.MaxCurrentAmps / (1 << 15)
	cal := math.Round(shuntCalScale * currentLSB * float64(opts.ShuntMicroOhms) / 1e6)
	if cal > 0x7FFF {
		return nil, fmt.Errorf("ina237: shunt calibration %g out of range", cal)
	}
	return &Dev{
		d:          i2c.Dev{Bus: bus, Addr: addr},
		currentLSB: currentLSB,
		shuntCal:   uint16(cal),
	}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("INA237{%s}", &d.d)
}

func (d *Dev) Addr() uint16 {
	return d.d.Addr
}

// Probe checks the identification registers.
func (d *Dev) Probe() error {
	m, err := d.readReg(regManufacturerID)
	if err != nil {
		return err
	}
	id, err := d.readReg(regDeviceID)
	if err != nil {
		return err
	}
	if m != manufacturerTI || id>>4 != deviceINA237 {
		return fmt.Errorf("%w: manufacturer 0x%04x device 0x%04x", ErrNotINA237, m, id)
	}
	return nil
}

// Init resets the chip, starts continuous conversions and loads the shunt
// calibration.
func (d *Dev) Init() error {
	if err := d.writeReg(regConfig, configReset); err != nil {
		return fmt.Errorf("ina237 reset: %w", err)
	}
	if err := d.writeReg(regADCConfig, adcContinuous); err != nil {
		return fmt.Errorf("ina237 adc config: %w", err)
	}
	if err := d.writeReg(regShuntCal, d.shuntCal); err != nil {
		return fmt.Errorf("ina237 shunt calibration: %w", err)
	}
	return nil
}

// SetBusVoltageAlerts programs the under and over voltage alert limits, in
// volts.
func (d *Dev) SetBusVoltageAlerts(min, max float64) error {
	if min < 0 || max < min {
		return fmt.Errorf("ina237: invalid alert limits %g-%g V", min, max)
	}
	if err := d.writeReg(regBusOverLimit, uint16(math.Round(max/busVoltageLSB))); err != nil {
		return err
	}
	return d.writeReg(regBusUnderLimit, uint16(math.Round(min/busVoltageLSB)))
}

// Alerts returns the diagnostic flags register.
func (d *Dev) Alerts() (uint16, error) {
	return d.readReg(regDiagAlert)
}

// BusVoltage returns the bus voltage in volts.
func (d *Dev) BusVoltage() (float64, error) {
	v, err := d.readReg(regBusVoltage)
	if err != nil {
		return 0, err
	}
	return float64(int16(v)) * busVoltageLSB, nil
}

// Current returns the shunt current in amps, negative when charging.
func (d *Dev) Current() (float64, error) {
	v, err := d.readReg(regCurrent)
	if err != nil {
		return 0, err
	}
	return float64(int16(v)) * d.currentLSB, nil
}

// Power returns the power in watts.
func (d *Dev) Power() (float64, error) {
	b := make([]byte, 3)
	if err := d.d.Tx([]byte{regPower}, b); err != nil {
		return 0, err
	}
	raw := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return float64(raw) * 0.2 * d.currentLSB, nil
}

func (d *Dev) readReg(reg byte) (uint16, error) {
	b := make([]byte, 2)
	if err := d.d.Tx([]byte{reg}, b); err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (d *Dev) writeReg(reg byte, v uint16) error {
	return d.d.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil)
}
