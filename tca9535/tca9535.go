// Package tca9535 drives the TI TCA9535 16 bit I/O expander.
package tca9535

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
)

const (
	regInput    = 0x00
	regOutput   = 0x02
	regPolarity = 0x04
	regConfig   = 0x06
)

// InputPins are the pins configured as inputs by Init, a set bit is an
// input. Pins 4-7 read the sensor alert lines.
const InputPins uint16 = 0x00F0

// Dev keeps a copy of the output registers so single pins can be changed
// without reading the chip back.
type Dev struct {
	d      i2c.Dev
	mu     sync.Mutex
	output uint16
}

func New(bus i2c.Bus, addr uint16) *Dev {
	return &Dev{d: i2c.Dev{Bus: bus, Addr: addr}}
}

func (d *Dev) String() string {
	return fmt.Sprintf("TCA9535{%s}", &d.d)
}

func (d *Dev) Addr() uint16 {
	return d.d.Addr
}

// Probe reads the configuration registers to check a device answers.
func (d *Dev) Probe() error {
	return d.d.Tx([]byte{regConfig}, make([]byte, 2))
}

// Init drives all outputs low, then sets the pin directions.
func (d *Dev) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.d.Tx([]byte{regOutput, 0x00, 0x00}, nil); err != nil {
		return fmt.Errorf("tca9535 clear outputs: %w", err)
	}
	d.output = 0
	if err := d.d.Tx([]byte{regPolarity, 0x00, 0x00}, nil); err != nil {
		return fmt.Errorf("tca9535 polarity: %w", err)
	}
	if err := d.d.Tx([]byte{regConfig, byte(InputPins), byte(InputPins >> 8)}, nil); err != nil {
		return fmt.Errorf("tca9535 config: %w", err)
	}
	return nil
}

// Outputs returns the last written output state, bit n is pin n.
func (d *Dev) Outputs() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.output
}

// Update applies fn to the output state and writes both ports in one
// transaction. The stored state is only changed if the write succeeds.
func (d *Dev) Update(fn func(uint16) uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := fn(d.output) &^ InputPins
	if err := d.d.Tx([]byte{regOutput, byte(next), byte(next >> 8)}, nil); err != nil {
		return err
	}
	d.output = next
	return nil
}

// SetPin sets one output pin.
func (d *Dev) SetPin(pin int, high bool) error {
	if pin < 0 || pin > 15 || InputPins&(1<<pin) != 0 {
		return fmt.Errorf("tca9535: pin %d is not an output", pin)
	}
	return d.Update(func(out uint16) uint16 {
		return SetBit(out, pin, high)
	})
}

// Inputs reads both input ports, bit n is pin n.
func (d *Dev) Inputs() (uint16, error) {
	b := make([]byte, 2)
	if err := d.d.Tx([]byte{regInput}, b); err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

func SetBit(v uint16, pin int, high bool) uint16 {
	if high {
		return v | 1<<pin
	}
	return v &^ (1 << pin)
}
