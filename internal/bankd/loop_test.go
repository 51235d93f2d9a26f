package bankd

import (
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSupervisor struct {
	report bank.TickReport
	resets []int
	snap   bank.Snapshot
}

func (f *fakeSupervisor) Tick() (bank.TickReport, error) {
	return f.report, f.report.Err()
}

func (f *fakeSupervisor) Snapshot() bank.Snapshot {
	return f.snap
}

func (f *fakeSupervisor) Reset(id int) error {
	if id > 3 {
		return bank.ErrUnknownPack
	}
	f.resets = append(f.resets, id)
	return nil
}

var eventTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func captureEvents(t *testing.T) *[]eventclient.Event {
	t.Helper()
	var events []eventclient.Event
	prevAdd, prevNow := addEvent, now
	addEvent = func(e eventclient.Event) error {
		events = append(events, e)
		return nil
	}
	now = func() time.Time { return eventTime }
	t.Cleanup(func() {
		addEvent, now = prevAdd, prevNow
	})
	return &events
}

func TestLockoutRaisesEvent(t *testing.T) {
	events := captureEvents(t)
	sup := &fakeSupervisor{report: bank.TickReport{
		Transitions: []bank.Transition{
			{PackID: 1, From: bank.PhaseConnected, To: bank.PhaseCooldown, Reason: bank.ReasonOverCurrent, Attempts: 4},
			{PackID: 2, From: bank.PhaseCooldown, To: bank.PhaseLocked, Reason: bank.ReasonUnderVoltage, Attempts: 5},
		},
	}}
	ctl := newController(sup)
	ctl.tick()

	require.Len(t, *events, 1)
	e := (*events)[0]
	assert.Equal(t, "batteryPackLockout", e.Type)
	assert.Equal(t, eventTime, e.Timestamp)
	assert.Equal(t, 2, e.Details["pack"])
	assert.Equal(t, "voltage too low", e.Details["reason"])
	assert.Equal(t, uint32(5), e.Details["attempts"])
}

func TestHardwareErrorEventOncePerEpisode(t *testing.T) {
	events := captureEvents(t)
	sup := &fakeSupervisor{}
	ctl := newController(sup)

	failure := bank.TickReport{Errors: []error{
		&bank.PackError{PackID: 2, Op: "read voltage", Err: errors.New("i2c nack")},
	}}

	sup.report = failure
	ctl.tick()
	ctl.tick()
	require.Len(t, *events, 1)
	assert.Equal(t, "batteryPackHardwareError", (*events)[0].Type)
	assert.Equal(t, "read voltage", (*events)[0].Details["op"])
	assert.Equal(t, "i2c nack", (*events)[0].Details["error"])

	sup.report = bank.TickReport{}
	ctl.tick()
	assert.Len(t, *events, 1)

	sup.report = failure
	ctl.tick()
	assert.Len(t, *events, 2, "a new failure after recovery is reported again")
}

func TestControllerReset(t *testing.T) {
	events := captureEvents(t)
	sup := &fakeSupervisor{}
	ctl := newController(sup)

	require.NoError(t, ctl.Reset(3))
	assert.Equal(t, []int{3}, sup.resets)
	require.Len(t, *events, 1)
	assert.Equal(t, "batteryPackReset", (*events)[0].Type)
	assert.Equal(t, 3, (*events)[0].Details["pack"])

	assert.ErrorIs(t, ctl.Reset(9), bank.ErrUnknownPack)
	assert.Len(t, *events, 1)
}

func TestEventErrorIsNotFatal(t *testing.T) {
	prevAdd := addEvent
	addEvent = func(eventclient.Event) error { return errors.New("no event reporter") }
	t.Cleanup(func() { addEvent = prevAdd })

	ctl := newController(&fakeSupervisor{})
	assert.NoError(t, ctl.Reset(1))
}
