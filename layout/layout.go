// Package layout maps the telemetry sensors of a bank to the expander outputs
// that switch the same pack.
package layout

import (
	"errors"
	"fmt"
)

var (
	ErrUnmappedAddress  = errors.New("sensor address is not in the device table")
	ErrMissingExpander  = errors.New("expander for sensor not found")
	ErrDuplicateAddress = errors.New("sensor address listed more than once")
)

// Pins on each expander. Outputs 0-3 drive the contactors, 4-7 are the
// sensor alert inputs and 8-15 are the red/green LED pairs.
const (
	OutputsPerExpander = 4
	firstAlertPin      = 4
	firstLEDPin        = 8
)

const (
	firstSensor   uint16 = 0x40
	lastSensor    uint16 = 0x4F
	firstExpander uint16 = 0x20
	lastExpander  uint16 = 0x23
)

type slot struct {
	expander uint16
	output   int
}

// devices is every sensor address a bank can carry and where its pack is
// switched.
var devices = map[uint16]slot{
	0x40: {0x20, 0}, 0x41: {0x20, 1}, 0x42: {0x20, 2}, 0x43: {0x20, 3},
	0x44: {0x21, 0}, 0x45: {0x21, 1}, 0x46: {0x21, 2}, 0x47: {0x21, 3},
	0x48: {0x22, 0}, 0x49: {0x22, 1}, 0x4A: {0x22, 2}, 0x4B: {0x22, 3},
	0x4C: {0x23, 0}, 0x4D: {0x23, 1}, 0x4E: {0x23, 2}, 0x4F: {0x23, 3},
}

// SensorAddresses lists the addresses to probe for sensors, in order.
func SensorAddresses() []uint16 {
	return addressRange(firstSensor, lastSensor)
}

// ExpanderAddresses lists the addresses to probe for expanders, in order.
func ExpanderAddresses() []uint16 {
	return addressRange(firstExpander, lastExpander)
}

func addressRange(first, last uint16) []uint16 {
	a := make([]uint16, 0, last-first+1)
	for addr := first; addr <= last; addr++ {
		a = append(a, addr)
	}
	return a
}

// Channel is one pack: its sensor and the expander output that switches it.
type Channel struct {
	PackID   int
	Sensor   uint16
	Expander uint16
	Output   int
}

func (c Channel) ContactorPin() int {
	return c.Output
}

func (c Channel) AlertPin() int {
	return firstAlertPin + c.Output
}

func (c Channel) RedPin() int {
	return firstLEDPin + 2*c.Output
}

func (c Channel) GreenPin() int {
	return firstLEDPin + 2*c.Output + 1
}

func (c Channel) String() string {
	return fmt.Sprintf("pack %d (sensor 0x%02x, expander 0x%02x output %d)", c.PackID, c.Sensor, c.Expander, c.Output)
}

// Excluded is a sensor that was found but can not be used as a pack.
type Excluded struct {
	Sensor uint16
	Err    error
}

func (e Excluded) String() string {
	return fmt.Sprintf("sensor 0x%02x: %v", e.Sensor, e.Err)
}

type Layout struct {
	Channels []Channel
}

// Build pairs discovered sensors with discovered expanders. A pack id is its
// sensor's place in the device table, so a sensor that stops answering never
// shifts the ids, limits or Ah totals of the others. Sensors that can not be
// paired are returned as excluded and never get a pack id.
func Build(sensors, expanders []uint16) (Layout, []Excluded, error) {
	present := make(map[uint16]bool, len(expanders))
	for _, e := range expanders {
		present[e] = true
	}

	var l Layout
	var excluded []Excluded
	seen := make(map[uint16]bool, len(sensors))
	for _, addr := range sensors {
		if seen[addr] {
			return Layout{}, nil, fmt.Errorf("%w: 0x%02x", ErrDuplicateAddress, addr)
		}
		seen[addr] = true

		s, ok := devices[addr]
		if !ok {
			excluded = append(excluded, Excluded{Sensor: addr, Err: ErrUnmappedAddress})
			continue
		}
		if !present[s.expander] {
			excluded = append(excluded, Excluded{
				Sensor: addr,
				Err:    fmt.Errorf("%w: 0x%02x", ErrMissingExpander, s.expander),
			})
			continue
		}
		l.Channels = append(l.Channels, Channel{
			PackID:   PackID(addr),
			Sensor:   addr,
			Expander: s.expander,
			Output:   s.output,
		})
	}
	return l, excluded, nil
}

// PackID is the pack id of a sensor address in the device table.
func PackID(sensor uint16) int {
	return int(sensor) - int(firstSensor)
}

// Channel looks up a pack.
func (l Layout) Channel(packID int) (Channel, bool) {
	for _, c := range l.Channels {
		if c.PackID == packID {
			return c, true
		}
	}
	return Channel{}, false
}

func (l Layout) PackIDs() []int {
	ids := make([]int, len(l.Channels))
	for i, c := range l.Channels {
		ids[i] = c.PackID
	}
	return ids
}

// Expanders returns the expanders in use, in order of first use.
func (l Layout) Expanders() []uint16 {
	var out []uint16
	seen := map[uint16]bool{}
	for _, c := range l.Channels {
		if !seen[c.Expander] {
			seen[c.Expander] = true
			out = append(out, c.Expander)
		}
	}
	return out
}
