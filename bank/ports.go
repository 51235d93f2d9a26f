/*
battery-parallelator - Supervises a bank of parallel battery packs
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package bank

// TelemetryPort reads a pack's instantaneous bus voltage and current.
// A failed read must return an error, never a previous value.
type TelemetryPort interface {
	ReadVoltage(packID int) (float64, error)
	ReadCurrent(packID int) (float64, error)
}

// SwitchPort drives a pack's contactor and its two colour indicator.
type SwitchPort interface {
	SetContactor(packID int, closed bool) error
	SetIndicator(packID int, color Color) error
}

// AtomicSwitch is implemented by switch hardware that can change the
// contactor and both indicator LEDs in a single bus transaction.
type AtomicSwitch interface {
	Switch(packID int, closed bool) error
}

// Color of the bicolour status indicator.
type Color uint8

const (
	Red Color = iota
	Green
)

func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	default:
		return "unknown"
	}
}

// indicatorFor returns the only indicator colour allowed for a contactor state.
func indicatorFor(closed bool) Color {
	if closed {
		return Green
	}
	return Red
}

// applySwitch sets the contactor and the indicator together. The contactor is
// opened before the indicator changes and closed before it turns green.
func applySwitch(sw SwitchPort, packID int, closed bool) error {
	if a, ok := sw.(AtomicSwitch); ok {
		return a.Switch(packID, closed)
	}
	if err := sw.SetContactor(packID, closed); err != nil {
		return err
	}
	return sw.SetIndicator(packID, indicatorFor(closed))
}
