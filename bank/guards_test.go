package bank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMillivoltConversionIsExact(t *testing.T) {
	assert.Equal(t, 24.0, Millivolts(24000).Volts())
	assert.Equal(t, 1.0, Milliamps(1000).Amps())

	c := DefaultPackConfig()
	agg := Compute([]Reading{{Voltage: 24.0}})
	assert.True(t, Evaluate(c, Reading{Voltage: 24.0}, agg).Admitted)
	assert.True(t, Evaluate(c, Reading{Voltage: 30.0}, Compute([]Reading{{Voltage: 30.0}})).Admitted)
}

func TestEvaluateGuards(t *testing.T) {
	c := DefaultPackConfig()
	c.MaxCurrent = 2000
	c.MaxChargeCurrent = 500
	c.MaxDischargeCurrent = 1500
	c.VoltageDiffLimit = 1000
	c.CurrentDiffLimit = 300

	bankAt := func(max float64) Aggregate {
		return Compute([]Reading{{Voltage: max}})
	}

	tests := []struct {
		name   string
		r      Reading
		agg    Aggregate
		reason RejectionReason
	}{
		{"healthy", Reading{Voltage: 26, Current: 0.5}, bankAt(26), ReasonNone},
		{"under voltage", Reading{Voltage: 23.5}, bankAt(23.5), ReasonUnderVoltage},
		{"over voltage", Reading{Voltage: 30.1}, bankAt(30.1), ReasonOverVoltage},
		{"over current", Reading{Voltage: 26, Current: -2.5}, bankAt(26), ReasonOverCurrent},
		{"charge current", Reading{Voltage: 26, Current: -0.6}, bankAt(26), ReasonChargeCurrent},
		{"discharge current", Reading{Voltage: 26, Current: 1.6}, bankAt(26), ReasonDischargeCurrent},
		{"voltage spread", Reading{Voltage: 26}, bankAt(27.1), ReasonVoltageSpread},
		{"spread at limit", Reading{Voltage: 26}, bankAt(27), ReasonNone},
		// Under voltage and lagging the bank, the first guard wins.
		{"first guard wins", Reading{Voltage: 20, Current: 5}, bankAt(28), ReasonUnderVoltage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Evaluate(c, tt.r, tt.agg)
			assert.Equal(t, tt.reason, e.Reason)
			assert.Equal(t, tt.reason == ReasonNone, e.Admitted)
		})
	}
}

func TestCurrentSharingGuard(t *testing.T) {
	c := DefaultPackConfig()
	c.CurrentDiffLimit = 300

	agg := Compute([]Reading{
		{PackID: 0, Voltage: 26, Current: 0.9, Connected: true},
		{PackID: 1, Voltage: 26, Current: 0.1, Connected: true},
		{PackID: 2, Voltage: 26, Current: 0.1, Connected: true},
	})
	e := Evaluate(c, Reading{PackID: 0, Voltage: 26, Current: 0.9, Connected: true}, agg)
	assert.False(t, e.Admitted)
	assert.Equal(t, ReasonCurrentImbalance, e.Reason)
	assert.True(t, e.SharingChecked)

	e = Evaluate(c, Reading{PackID: 1, Voltage: 26, Current: 0.1, Connected: true}, agg)
	assert.True(t, e.Admitted)

	// An open pack is not compared with the bank.
	e = Evaluate(c, Reading{PackID: 3, Voltage: 26, Current: 0.9}, agg)
	assert.True(t, e.Admitted)
	assert.False(t, e.SharingChecked)
}

func TestCurrentSharingZeroReferenceIsNotARejection(t *testing.T) {
	c := DefaultPackConfig()
	c.CurrentDiffLimit = 100

	agg := Compute([]Reading{
		{PackID: 0, Voltage: 26, Current: 0.5, Connected: true},
		{PackID: 1, Voltage: 26, Current: -0.5, Connected: true},
	})
	e := Evaluate(c, Reading{PackID: 0, Voltage: 26, Current: 0.5, Connected: true}, agg)
	assert.True(t, e.Admitted)
	assert.False(t, e.SharingChecked)
	assert.Equal(t, Discharging, e.Class)

	e = Evaluate(c, Reading{PackID: 1, Voltage: 26, Current: -0.5, Connected: true}, agg)
	assert.True(t, e.Admitted)
	assert.Equal(t, Charging, e.Class)
}

func TestReasonStrings(t *testing.T) {
	assert.Equal(t, "voltage too low", ReasonUnderVoltage.String())
	assert.Equal(t, "current differs from bank", ReasonCurrentImbalance.String())
	assert.Equal(t, "idle", Idle.String())
}
