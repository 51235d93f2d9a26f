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

import "math"

// RejectionReason is the first admission guard a pack failed.
type RejectionReason uint8

const (
	ReasonNone RejectionReason = iota
	ReasonUnderVoltage
	ReasonOverVoltage
	ReasonOverCurrent
	ReasonChargeCurrent
	ReasonDischargeCurrent
	ReasonVoltageSpread
	ReasonCurrentImbalance
)

func (r RejectionReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnderVoltage:
		return "voltage too low"
	case ReasonOverVoltage:
		return "voltage too high"
	case ReasonOverCurrent:
		return "current too high"
	case ReasonChargeCurrent:
		return "charge current too high"
	case ReasonDischargeCurrent:
		return "discharge current too high"
	case ReasonVoltageSpread:
		return "voltage lags bank"
	case ReasonCurrentImbalance:
		return "current differs from bank"
	default:
		return "unknown"
	}
}

// CurrentClass describes what a pack's current is doing. It is informational
// only and never rejects a pack.
type CurrentClass uint8

const (
	Idle CurrentClass = iota
	Charging
	Discharging
)

func (c CurrentClass) String() string {
	switch c {
	case Charging:
		return "charging"
	case Discharging:
		return "discharging"
	default:
		return "idle"
	}
}

func classify(current float64) CurrentClass {
	switch {
	case current < 0:
		return Charging
	case current > 0:
		return Discharging
	default:
		return Idle
	}
}

// Evaluation is the outcome of the admission guards for one pack.
type Evaluation struct {
	Admitted bool
	Reason   RejectionReason
	Class    CurrentClass
	// SharingChecked is false when there was no usable current reference
	// and the current sharing guard passed without comparing anything.
	SharingChecked bool
}

type guard struct {
	reason RejectionReason
	ok     func(c PackConfig, r Reading, a Aggregate) bool
}

// Charge current is negative. Order matters, the first failing guard is the
// reported reason.
var admissionGuards = []guard{
	{ReasonUnderVoltage, func(c PackConfig, r Reading, _ Aggregate) bool {
		return r.Voltage >= c.MinVoltage.Volts()
	}},
	{ReasonOverVoltage, func(c PackConfig, r Reading, _ Aggregate) bool {
		return r.Voltage <= c.MaxVoltage.Volts()
	}},
	{ReasonOverCurrent, func(c PackConfig, r Reading, _ Aggregate) bool {
		return math.Abs(r.Current) <= c.MaxCurrent.Amps()
	}},
	{ReasonChargeCurrent, func(c PackConfig, r Reading, _ Aggregate) bool {
		return r.Current >= -c.MaxChargeCurrent.Amps()
	}},
	{ReasonDischargeCurrent, func(c PackConfig, r Reading, _ Aggregate) bool {
		return r.Current <= c.MaxDischargeCurrent.Amps()
	}},
	{ReasonVoltageSpread, func(c PackConfig, r Reading, a Aggregate) bool {
		return r.Voltage >= a.MaxVoltage-c.VoltageDiffLimit.Volts()
	}},
	{ReasonCurrentImbalance, func(c PackConfig, r Reading, a Aggregate) bool {
		ref, ok := sharingReference(r, a)
		if !ok {
			return true
		}
		return math.Abs(r.Current-ref) <= c.CurrentDiffLimit.Amps()
	}},
}

// sharingReference returns the bank current a pack is compared against.
// An open pack carries no current so it is never compared, and a zero
// reference means the bank is idle.
func sharingReference(r Reading, a Aggregate) (float64, bool) {
	if !r.Connected {
		return 0, false
	}
	ref, ok := a.AverageCurrent()
	if !ok || ref == 0 {
		return 0, false
	}
	return ref, true
}

// Evaluate runs the admission guards for a reading against the bank aggregate.
func Evaluate(c PackConfig, r Reading, a Aggregate) Evaluation {
	_, checked := sharingReference(r, a)
	e := Evaluation{
		Admitted:       true,
		Class:          classify(r.Current),
		SharingChecked: checked,
	}
	for _, g := range admissionGuards {
		if !g.ok(c, r, a) {
			e.Admitted = false
			e.Reason = g.reason
			break
		}
	}
	return e
}
