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
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid pack config")

// Millivolts is a voltage limit as stored in the configuration.
type Millivolts int32

// Volts converts to volts without truncation.
func (mv Millivolts) Volts() float64 {
	return float64(mv) / 1000
}

// Milliamps is a current limit as stored in the configuration.
type Milliamps int32

// Amps converts to amps without truncation.
func (ma Milliamps) Amps() float64 {
	return float64(ma) / 1000
}

// PackConfig holds the limits a pack is checked against. It is not modified
// after the bank is created.
type PackConfig struct {
	MinVoltage          Millivolts
	MaxVoltage          Millivolts
	MaxCurrent          Milliamps
	MaxChargeCurrent    Milliamps
	MaxDischargeCurrent Milliamps
	VoltageDiffLimit    Millivolts
	CurrentDiffLimit    Milliamps
	MaxSwitchAttempts   uint32
	ReconnectDelay      time.Duration
}

// DefaultPackConfig returns the limits the original bank hardware shipped with.
func DefaultPackConfig() PackConfig {
	return PackConfig{
		MinVoltage:          24000,
		MaxVoltage:          30000,
		MaxCurrent:          1000,
		MaxChargeCurrent:    1000,
		MaxDischargeCurrent: 1000,
		VoltageDiffLimit:    2000,
		CurrentDiffLimit:    1000,
		MaxSwitchAttempts:   5,
		ReconnectDelay:      10 * time.Second,
	}
}

func (c PackConfig) Validate() error {
	switch {
	case c.MinVoltage <= 0:
		return fmt.Errorf("%w: min voltage must be positive, got %d mV", ErrInvalidConfig, c.MinVoltage)
	case c.MaxVoltage <= c.MinVoltage:
		return fmt.Errorf("%w: max voltage %d mV is not above min voltage %d mV", ErrInvalidConfig, c.MaxVoltage, c.MinVoltage)
	case c.MaxCurrent <= 0:
		return fmt.Errorf("%w: max current must be positive, got %d mA", ErrInvalidConfig, c.MaxCurrent)
	case c.MaxChargeCurrent <= 0:
		return fmt.Errorf("%w: max charge current must be positive, got %d mA", ErrInvalidConfig, c.MaxChargeCurrent)
	case c.MaxDischargeCurrent <= 0:
		return fmt.Errorf("%w: max discharge current must be positive, got %d mA", ErrInvalidConfig, c.MaxDischargeCurrent)
	case c.VoltageDiffLimit < 0:
		return fmt.Errorf("%w: voltage difference limit is negative", ErrInvalidConfig)
	case c.CurrentDiffLimit < 0:
		return fmt.Errorf("%w: current difference limit is negative", ErrInvalidConfig)
	case c.MaxSwitchAttempts == 0:
		return fmt.Errorf("%w: max switch attempts must be at least 1", ErrInvalidConfig)
	case c.ReconnectDelay < 0:
		return fmt.Errorf("%w: reconnect delay is negative", ErrInvalidConfig)
	}
	return nil
}

// PackOverride replaces selected limits of the bank defaults for one pack.
// Nil fields keep the default.
type PackOverride struct {
	MinVoltage          *Millivolts
	MaxVoltage          *Millivolts
	MaxCurrent          *Milliamps
	MaxChargeCurrent    *Milliamps
	MaxDischargeCurrent *Milliamps
	VoltageDiffLimit    *Millivolts
	CurrentDiffLimit    *Milliamps
	MaxSwitchAttempts   *uint32
	ReconnectDelay      *time.Duration
}

// Apply returns c with the non-nil fields of o substituted.
func (o PackOverride) Apply(c PackConfig) PackConfig {
	if o.MinVoltage != nil {
		c.MinVoltage = *o.MinVoltage
	}
	if o.MaxVoltage != nil {
		c.MaxVoltage = *o.MaxVoltage
	}
	if o.MaxCurrent != nil {
		c.MaxCurrent = *o.MaxCurrent
	}
	if o.MaxChargeCurrent != nil {
		c.MaxChargeCurrent = *o.MaxChargeCurrent
	}
	if o.MaxDischargeCurrent != nil {
		c.MaxDischargeCurrent = *o.MaxDischargeCurrent
	}
	if o.VoltageDiffLimit != nil {
		c.VoltageDiffLimit = *o.VoltageDiffLimit
	}
	if o.CurrentDiffLimit != nil {
		c.CurrentDiffLimit = *o.CurrentDiffLimit
	}
	if o.MaxSwitchAttempts != nil {
		c.MaxSwitchAttempts = *o.MaxSwitchAttempts
	}
	if o.ReconnectDelay != nil {
		c.ReconnectDelay = *o.ReconnectDelay
	}
	return c
}

// Config is the configuration for a whole bank.
type Config struct {
	Default   PackConfig
	Overrides map[int]PackOverride
}

// ForPack resolves the limits for one pack.
func (c Config) ForPack(id int) PackConfig {
	if o, ok := c.Overrides[id]; ok {
		return o.Apply(c.Default)
	}
	return c.Default
}
