// Package hardware connects the sensor and expander drivers to the bank
// supervisor ports.
package hardware

import (
	"errors"
	"fmt"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/battery-parallelator/ina237"
	"github.com/TheCacophonyProject/battery-parallelator/layout"
	"github.com/TheCacophonyProject/battery-parallelator/tca9535"
	"periph.io/x/conn/v3/i2c"
)

var ErrNoPacks = errors.New("no usable packs found")

// Bank is the discovered hardware of a battery bank.
type Bank struct {
	Layout   layout.Layout
	Excluded []layout.Excluded

	sensors   map[int]*ina237.Dev
	expanders map[uint16]*tca9535.Dev
}

// Discover probes every known sensor and expander address and pairs what
// answers. Unpairable sensors are listed in Excluded.
func Discover(bus i2c.Bus, opts *ina237.Opts) (*Bank, error) {
	found := map[uint16]*ina237.Dev{}
	var sensorAddrs []uint16
	for _, addr := range layout.SensorAddresses() {
		d, err := ina237.New(bus, addr, opts)
		if err != nil {
			return nil, err
		}
		if err := d.Probe(); err != nil {
			continue
		}
		found[addr] = d
		sensorAddrs = append(sensorAddrs, addr)
	}

	expanders := map[uint16]*tca9535.Dev{}
	var expanderAddrs []uint16
	for _, addr := range layout.ExpanderAddresses() {
		d := tca9535.New(bus, addr)
		if err := d.Probe(); err != nil {
			continue
		}
		expanders[addr] = d
		expanderAddrs = append(expanderAddrs, addr)
	}

	l, excluded, err := layout.Build(sensorAddrs, expanderAddrs)
	if err != nil {
		return nil, err
	}
	b := &Bank{
		Layout:    l,
		Excluded:  excluded,
		sensors:   map[int]*ina237.Dev{},
		expanders: map[uint16]*tca9535.Dev{},
	}
	for _, c := range l.Channels {
		b.sensors[c.PackID] = found[c.Sensor]
		b.expanders[c.Expander] = expanders[c.Expander]
	}
	if len(l.Channels) == 0 {
		return b, ErrNoPacks
	}
	return b, nil
}

// Init sets up the expanders with every contactor open and starts the
// sensors, with the voltage alerts at each pack's limits.
func (b *Bank) Init(cfg bank.Config) error {
	for _, addr := range b.Layout.Expanders() {
		if err := b.expanders[addr].Init(); err != nil {
			return err
		}
	}
	for _, c := range b.Layout.Channels {
		s := b.sensors[c.PackID]
		if err := s.Init(); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		pc := cfg.ForPack(c.PackID)
		if err := s.SetBusVoltageAlerts(pc.MinVoltage.Volts(), pc.MaxVoltage.Volts()); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
	}
	return nil
}

func (b *Bank) channel(packID int) (layout.Channel, error) {
	c, ok := b.Layout.Channel(packID)
	if !ok {
		return c, fmt.Errorf("%w: %d", bank.ErrUnknownPack, packID)
	}
	return c, nil
}

// Telemetry reads the pack sensors.
func (b *Bank) Telemetry() *Telemetry {
	return &Telemetry{b: b}
}

// Switches drives the pack contactors and indicators.
func (b *Bank) Switches() *Switches {
	return &Switches{b: b}
}

// AlertActive reports whether a pack's sensor alert line is asserted. The
// lines are active low.
func (b *Bank) AlertActive(packID int) (bool, error) {
	c, err := b.channel(packID)
	if err != nil {
		return false, err
	}
	in, err := b.expanders[c.Expander].Inputs()
	if err != nil {
		return false, err
	}
	return in&(1<<c.AlertPin()) == 0, nil
}

type Telemetry struct {
	b *Bank
}

func (t *Telemetry) ReadVoltage(packID int) (float64, error) {
	c, err := t.b.channel(packID)
	if err != nil {
		return 0, err
	}
	return t.b.sensors[c.PackID].BusVoltage()
}

func (t *Telemetry) ReadCurrent(packID int) (float64, error) {
	c, err := t.b.channel(packID)
	if err != nil {
		return 0, err
	}
	return t.b.sensors[c.PackID].Current()
}

type Switches struct {
	b *Bank
}

func (s *Switches) update(packID int, fn func(c layout.Channel, out uint16) uint16) error {
	c, err := s.b.channel(packID)
	if err != nil {
		return err
	}
	return s.b.expanders[c.Expander].Update(func(out uint16) uint16 {
		return fn(c, out)
	})
}

func (s *Switches) SetContactor(packID int, closed bool) error {
	return s.update(packID, func(c layout.Channel, out uint16) uint16 {
		return tca9535.SetBit(out, c.ContactorPin(), closed)
	})
}

func (s *Switches) SetIndicator(packID int, color bank.Color) error {
	return s.update(packID, func(c layout.Channel, out uint16) uint16 {
		return setIndicator(c, out, color)
	})
}

// Switch changes the contactor and both LEDs in one bus write.
func (s *Switches) Switch(packID int, closed bool) error {
	color := bank.Red
	if closed {
		color = bank.Green
	}
	return s.update(packID, func(c layout.Channel, out uint16) uint16 {
		out = tca9535.SetBit(out, c.ContactorPin(), closed)
		return setIndicator(c, out, color)
	})
}

func setIndicator(c layout.Channel, out uint16, color bank.Color) uint16 {
	out = tca9535.SetBit(out, c.RedPin(), color == bank.Red)
	return tca9535.SetBit(out, c.GreenPin(), color == bank.Green)
}

var (
	_ bank.TelemetryPort = &Telemetry{}
	_ bank.SwitchPort    = &Switches{}
	_ bank.AtomicSwitch  = &Switches{}
)
