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

import (
	"errors"
	"sync"
)

var ErrEmptyBank = errors.New("no pack readings in bank")

// Reading is one pack's telemetry for a cycle.
type Reading struct {
	PackID    int
	Voltage   float64
	Current   float64
	Connected bool
}

// Aggregate holds the bank wide statistics of one telemetry snapshot.
// The zero value is the empty aggregate.
type Aggregate struct {
	Packs      int
	MaxVoltage float64
	MinVoltage float64

	voltageSum     float64
	currentSum     float64
	connectedPacks int
}

// Empty reports whether no readings went into the aggregate.
func (a Aggregate) Empty() bool {
	return a.Packs == 0
}

// AverageVoltage is the mean voltage over all readings. It fails on an
// empty aggregate instead of returning NaN.
func (a Aggregate) AverageVoltage() (float64, error) {
	if a.Packs == 0 {
		return 0, ErrEmptyBank
	}
	return a.voltageSum / float64(a.Packs), nil
}

// AverageCurrent is the mean current of the connected packs, the reference
// for the current sharing check. ok is false when no pack is connected.
func (a Aggregate) AverageCurrent() (avg float64, ok bool) {
	if a.connectedPacks == 0 {
		return 0, false
	}
	return a.currentSum / float64(a.connectedPacks), true
}

// ConnectedPacks is the number of readings that came from connected packs.
func (a Aggregate) ConnectedPacks() int {
	return a.connectedPacks
}

// RelativeCurrent is how far current is from the connected average.
func (a Aggregate) RelativeCurrent(current float64) (float64, bool) {
	avg, ok := a.AverageCurrent()
	if !ok {
		return 0, false
	}
	return current - avg, true
}

// Compute returns the statistics of a set of readings.
func Compute(readings []Reading) Aggregate {
	var a Aggregate
	for i, r := range readings {
		if i == 0 || r.Voltage > a.MaxVoltage {
			a.MaxVoltage = r.Voltage
		}
		if i == 0 || r.Voltage < a.MinVoltage {
			a.MinVoltage = r.Voltage
		}
		a.voltageSum += r.Voltage
		if r.Connected {
			a.currentSum += r.Current
			a.connectedPacks++
		}
		a.Packs++
	}
	return a
}

// ConsistencyAggregator computes the bank statistics every cycle and keeps
// the last result for diagnostics.
type ConsistencyAggregator struct {
	mu   sync.Mutex
	last Aggregate
}

// Refresh recomputes the aggregate from a new set of readings.
func (c *ConsistencyAggregator) Refresh(readings []Reading) Aggregate {
	a := Compute(readings)
	c.mu.Lock()
	c.last = a
	c.mu.Unlock()
	return a
}

// Last returns the most recently computed aggregate.
func (c *ConsistencyAggregator) Last() Aggregate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
