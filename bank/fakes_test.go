package bank

import (
	"errors"
	"fmt"
	"time"
)

var errBus = errors.New("bus error")

type fakeTelemetry struct {
	voltage map[int]float64
	current map[int]float64
	fail    map[int]bool
}

func newFakeTelemetry() *fakeTelemetry {
	return &fakeTelemetry{
		voltage: map[int]float64{},
		current: map[int]float64{},
		fail:    map[int]bool{},
	}
}

func (f *fakeTelemetry) set(id int, v, c float64) {
	f.voltage[id] = v
	f.current[id] = c
}

func (f *fakeTelemetry) ReadVoltage(id int) (float64, error) {
	if f.fail[id] {
		return 0, errBus
	}
	v, ok := f.voltage[id]
	if !ok {
		return 0, fmt.Errorf("no sensor for pack %d", id)
	}
	return v, nil
}

func (f *fakeTelemetry) ReadCurrent(id int) (float64, error) {
	if f.fail[id] {
		return 0, errBus
	}
	return f.current[id], nil
}

type fakeSwitches struct {
	contactor map[int]bool
	indicator map[int]Color
	writes    int
	fail      bool
}

func newFakeSwitches() *fakeSwitches {
	return &fakeSwitches{
		contactor: map[int]bool{},
		indicator: map[int]Color{},
	}
}

func (f *fakeSwitches) SetContactor(id int, closed bool) error {
	if f.fail {
		return errBus
	}
	f.writes++
	f.contactor[id] = closed
	return nil
}

func (f *fakeSwitches) SetIndicator(id int, c Color) error {
	if f.fail {
		return errBus
	}
	f.indicator[id] = c
	return nil
}

// consistent reports whether every written pack shows green exactly when its
// contactor is closed.
func (f *fakeSwitches) consistent() bool {
	for id, closed := range f.contactor {
		if f.indicator[id] != indicatorFor(closed) {
			return false
		}
	}
	return true
}

type atomicSwitches struct {
	*fakeSwitches
	calls int
}

func (a *atomicSwitches) Switch(id int, closed bool) error {
	a.calls++
	if a.fail {
		return errBus
	}
	a.contactor[id] = closed
	a.indicator[id] = indicatorFor(closed)
	return nil
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}
