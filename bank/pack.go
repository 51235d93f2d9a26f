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
	"fmt"
	"time"
)

// Phase is where a pack is in its admission state machine.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseCooldown
	PhaseLocked
)

var phaseNames = map[Phase]string{
	PhaseIdle:      "idle",
	PhaseConnected: "connected",
	PhaseCooldown:  "cooldown",
	PhaseLocked:    "locked",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for k, v := range phaseNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// PackError is a hardware failure for one pack during a cycle.
type PackError struct {
	PackID int
	Op     string
	Err    error
}

func (e *PackError) Error() string {
	return fmt.Sprintf("pack %d: %s: %v", e.PackID, e.Op, e.Err)
}

func (e *PackError) Unwrap() error {
	return e.Err
}

// Transition records a pack changing phase, or failing a retry while in
// cooldown.
type Transition struct {
	PackID   int
	From     Phase
	To       Phase
	Reason   RejectionReason
	Attempts uint32
}

func (t Transition) String() string {
	if t.Reason == ReasonNone {
		return fmt.Sprintf("pack %d %s -> %s", t.PackID, t.From, t.To)
	}
	return fmt.Sprintf("pack %d %s -> %s (%s, attempt %d)", t.PackID, t.From, t.To, t.Reason, t.Attempts)
}

// PackState is the mutable state of one pack. Only its PackSupervisor
// changes it, apart from the consumed ampere hours.
type PackState struct {
	id             int
	phase          Phase
	switchAttempts uint32
	lastDisconnect time.Time
	ampereHours    float64
	lastEval       Evaluation
	writePending   bool
}

func (s PackState) ID() int {
	return s.id
}

func (s PackState) Phase() Phase {
	return s.phase
}

// Connected reports whether the contactor is closed.
func (s PackState) Connected() bool {
	return s.phase == PhaseConnected
}

// SwitchAttempts counts the disconnects since the last reset.
func (s PackState) SwitchAttempts() uint32 {
	return s.switchAttempts
}

func (s PackState) AmpereHourConsumed() float64 {
	return s.ampereHours
}

// LastDisconnect returns when the current cooldown started. ok is false
// when the pack is not cooling down.
func (s PackState) LastDisconnect() (t time.Time, ok bool) {
	return s.lastDisconnect, !s.lastDisconnect.IsZero()
}

// LastEvaluation is the result of the most recent admission check.
func (s PackState) LastEvaluation() Evaluation {
	return s.lastEval
}

// WritePending reports whether the last switch write failed and will be
// retried on the next cycle.
func (s PackState) WritePending() bool {
	return s.writePending
}

// PackSupervisor runs the admission and retry state machine for one pack.
type PackSupervisor struct {
	cfg   PackConfig
	sw    SwitchPort
	state PackState
}

func NewPackSupervisor(id int, cfg PackConfig, sw SwitchPort) *PackSupervisor {
	return &PackSupervisor{
		cfg:   cfg,
		sw:    sw,
		state: PackState{id: id},
	}
}

func (p *PackSupervisor) State() PackState {
	return p.state
}

func (p *PackSupervisor) Config() PackConfig {
	return p.cfg
}

// Open drives the pack to the open contactor and red indicator without
// changing its phase.
func (p *PackSupervisor) Open() error {
	if err := applySwitch(p.sw, p.state.id, false); err != nil {
		p.state.writePending = true
		return &PackError{PackID: p.state.id, Op: "switch off", Err: err}
	}
	p.state.writePending = false
	return nil
}

// Reset clears the retry counter and any cooldown. A connected pack stays
// connected, any other pack goes back to idle and is checked on the next
// cycle. The contactor is not touched.
func (p *PackSupervisor) Reset() {
	p.state.switchAttempts = 0
	p.state.lastDisconnect = time.Time{}
	if p.state.phase != PhaseConnected {
		p.state.phase = PhaseIdle
	}
}

// SetAmpereHours stores the consumed capacity reported by the Ah integrator.
func (p *PackSupervisor) SetAmpereHours(ah float64) {
	p.state.ampereHours = ah
}

// retryDue reports whether a cooling pack has waited out its reconnect delay.
func (p *PackSupervisor) retryDue(now time.Time) bool {
	return now.Sub(p.state.lastDisconnect) > p.cfg.ReconnectDelay
}

// Step runs one cycle for the pack. The new state is only committed once the
// switch hardware has accepted it; a failed write leaves the state as it was
// and is retried on the next call. t is nil when nothing changed.
func (p *PackSupervisor) Step(now time.Time, r Reading, agg Aggregate) (*Transition, error) {
	s := &p.state
	target := s.phase
	evaluated := false
	var e Evaluation

	switch s.phase {
	case PhaseLocked:
	case PhaseCooldown:
		if s.switchAttempts >= p.cfg.MaxSwitchAttempts {
			target = PhaseLocked
		} else if p.retryDue(now) {
			evaluated = true
		}
	default:
		evaluated = true
	}

	attempts := s.switchAttempts
	if evaluated {
		r.Connected = s.phase == PhaseConnected
		e = Evaluate(p.cfg, r, agg)
		if e.Admitted {
			target = PhaseConnected
		} else {
			attempts++
			target = PhaseCooldown
			if attempts >= p.cfg.MaxSwitchAttempts {
				target = PhaseLocked
			}
		}
	}

	if target != s.phase || s.writePending {
		closed := target == PhaseConnected
		if err := applySwitch(p.sw, s.id, closed); err != nil {
			s.writePending = true
			op := "switch off"
			if closed {
				op = "switch on"
			}
			return nil, &PackError{PackID: s.id, Op: op, Err: err}
		}
		s.writePending = false
	}

	from := s.phase
	if evaluated {
		s.lastEval = e
	}
	s.switchAttempts = attempts
	s.phase = target
	switch target {
	case PhaseCooldown:
		if s.lastDisconnect.IsZero() {
			s.lastDisconnect = now
		}
	default:
		s.lastDisconnect = time.Time{}
	}

	if from == target && (!evaluated || e.Admitted) {
		return nil, nil
	}
	return &Transition{
		PackID:   s.id,
		From:     from,
		To:       target,
		Reason:   e.Reason,
		Attempts: s.switchAttempts,
	}, nil
}
