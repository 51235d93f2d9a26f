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
	"sync"
	"time"
)

var (
	ErrUnknownPack = errors.New("unknown pack")
	ErrNoPacks     = errors.New("bank has no packs")
)

// Option configures a BankSupervisor.
type Option func(*BankSupervisor)

// WithClock replaces time.Now as the source of cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *BankSupervisor) {
		b.now = now
	}
}

// WithExcluded lists channels that were left out of the bank at start-up so
// they show in every snapshot.
func WithExcluded(desc ...string) Option {
	return func(b *BankSupervisor) {
		b.excluded = append(b.excluded, desc...)
	}
}

type lastReading struct {
	reading Reading
	err     error
	valid   bool
}

// BankSupervisor owns the pack state machines and runs the evaluation cycle.
// All methods are safe for concurrent use.
type BankSupervisor struct {
	mu        sync.Mutex
	now       func() time.Time
	telemetry TelemetryPort
	packs     []*PackSupervisor
	index     map[int]int
	last      []lastReading
	agg       ConsistencyAggregator
	lastTick  time.Time
	excluded  []string
}

// NewBankSupervisor creates a supervisor for the given packs, evaluated in
// the order given. Every pack starts idle.
func NewBankSupervisor(cfg Config, packIDs []int, telemetry TelemetryPort, switches SwitchPort, opts ...Option) (*BankSupervisor, error) {
	if len(packIDs) == 0 {
		return nil, ErrNoPacks
	}
	b := &BankSupervisor{
		now:       time.Now,
		telemetry: telemetry,
		index:     make(map[int]int, len(packIDs)),
		last:      make([]lastReading, len(packIDs)),
	}
	for _, id := range packIDs {
		if _, ok := b.index[id]; ok {
			return nil, fmt.Errorf("pack %d listed twice", id)
		}
		pc := cfg.ForPack(id)
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("pack %d: %w", id, err)
		}
		b.index[id] = len(b.packs)
		b.packs = append(b.packs, NewPackSupervisor(id, pc, switches))
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Init drives every pack to the open contactor and red indicator.
func (b *BankSupervisor) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, p := range b.packs {
		if err := p.Open(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TickReport describes what happened during one cycle.
type TickReport struct {
	Time        time.Time
	Aggregate   Aggregate
	Transitions []Transition
	Errors      []error
}

// Err joins the hardware errors of the cycle, nil if there were none.
func (r TickReport) Err() error {
	return errors.Join(r.Errors...)
}

func (b *BankSupervisor) read(id int) (Reading, error) {
	v, err := b.telemetry.ReadVoltage(id)
	if err != nil {
		return Reading{}, &PackError{PackID: id, Op: "read voltage", Err: err}
	}
	c, err := b.telemetry.ReadCurrent(id)
	if err != nil {
		return Reading{}, &PackError{PackID: id, Op: "read current", Err: err}
	}
	return Reading{PackID: id, Voltage: v, Current: c}, nil
}

// Tick runs one evaluation cycle. Packs whose telemetry could not be read
// are left out of the aggregate and keep their state until the next cycle.
// The returned error joins any hardware errors, which are also in the report.
func (b *BankSupervisor) Tick() (TickReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	report := TickReport{Time: now}
	readings := make([]Reading, 0, len(b.packs))
	for i, p := range b.packs {
		r, err := b.read(p.state.id)
		if err != nil {
			b.last[i] = lastReading{err: err}
			report.Errors = append(report.Errors, err)
			continue
		}
		r.Connected = p.state.Connected()
		b.last[i] = lastReading{reading: r, valid: true}
		readings = append(readings, r)
	}

	agg := b.agg.Refresh(readings)
	report.Aggregate = agg
	for i, p := range b.packs {
		if !b.last[i].valid {
			continue
		}
		t, err := p.Step(now, b.last[i].reading, agg)
		if err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		if t != nil {
			report.Transitions = append(report.Transitions, *t)
		}
	}
	b.lastTick = now
	return report, report.Err()
}

func (b *BankSupervisor) pack(id int) (*PackSupervisor, error) {
	i, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPack, id)
	}
	return b.packs[i], nil
}

// Reset clears the lockout and cooldown of a pack. It never closes the
// contactor; a healthy pack reconnects on the next cycle.
func (b *BankSupervisor) Reset(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pack(id)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}

// RecordAmpereHours stores the consumed capacity of a pack. It is the only
// way state is written from outside the cycle.
func (b *BankSupervisor) RecordAmpereHours(id int, ah float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pack(id)
	if err != nil {
		return err
	}
	p.SetAmpereHours(ah)
	return nil
}

// State returns a copy of a pack's state.
func (b *BankSupervisor) State(id int) (PackState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.pack(id)
	if err != nil {
		return PackState{}, err
	}
	return p.State(), nil
}

// PackIDs returns the pack ids in evaluation order.
func (b *BankSupervisor) PackIDs() []int {
	ids := make([]int, len(b.packs))
	for i, p := range b.packs {
		ids[i] = p.state.id
	}
	return ids
}

// Snapshot is the read-only view of the bank after the last cycle.
type Snapshot struct {
	Time           time.Time    `json:"time"`
	MaxVoltage     float64      `json:"maxVoltage"`
	MinVoltage     float64      `json:"minVoltage"`
	AverageVoltage *float64     `json:"averageVoltage,omitempty"`
	Packs          []PackStatus `json:"packs"`
	Excluded       []string     `json:"excluded,omitempty"`
}

// PackStatus is one pack in a Snapshot.
type PackStatus struct {
	ID             int        `json:"id"`
	Voltage        float64    `json:"voltage"`
	Current        float64    `json:"current"`
	ReadError      string     `json:"readError,omitempty"`
	Connected      bool       `json:"connected"`
	Phase          Phase      `json:"phase"`
	SwitchAttempts uint32     `json:"switchAttempts"`
	LastDisconnect *time.Time `json:"lastDisconnect,omitempty"`
	AmpereHours    float64    `json:"ampereHours"`
	Reason         string     `json:"reason,omitempty"`
	Class          string     `json:"class"`
	WritePending   bool       `json:"writePending,omitempty"`
}

// Pack finds a pack in the snapshot.
func (s Snapshot) Pack(id int) (PackStatus, bool) {
	for _, p := range s.Packs {
		if p.ID == id {
			return p, true
		}
	}
	return PackStatus{}, false
}

func (b *BankSupervisor) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	agg := b.agg.Last()
	s := Snapshot{
		Time:       b.lastTick,
		MaxVoltage: agg.MaxVoltage,
		MinVoltage: agg.MinVoltage,
		Packs:      make([]PackStatus, len(b.packs)),
		Excluded:   append([]string(nil), b.excluded...),
	}
	if avg, err := agg.AverageVoltage(); err == nil {
		s.AverageVoltage = &avg
	}
	for i, p := range b.packs {
		st := p.State()
		ps := PackStatus{
			ID:             st.id,
			Connected:      st.Connected(),
			Phase:          st.phase,
			SwitchAttempts: st.switchAttempts,
			AmpereHours:    st.ampereHours,
			WritePending:   st.writePending,
		}
		if t, ok := st.LastDisconnect(); ok {
			ps.LastDisconnect = &t
		}
		if st.lastEval.Reason != ReasonNone {
			ps.Reason = st.lastEval.Reason.String()
		}
		last := b.last[i]
		if last.err != nil {
			ps.ReadError = last.err.Error()
		}
		if last.valid {
			ps.Voltage = last.reading.Voltage
			ps.Current = last.reading.Current
		}
		ps.Class = classify(ps.Current).String()
		s.Packs[i] = ps
	}
	return s
}
