package bankd

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	snap   bank.Snapshot
	err    error
	resets []int
}

func (f *fakeBackend) Status() (bank.Snapshot, error) {
	return f.snap, f.err
}

func (f *fakeBackend) Reset(pack int) error {
	if f.err != nil {
		return f.err
	}
	f.resets = append(f.resets, pack)
	return nil
}

func testSnapshot() bank.Snapshot {
	avg := 26.5
	return bank.Snapshot{
		Time:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		MaxVoltage:     27,
		MinVoltage:     26,
		AverageVoltage: &avg,
		Packs: []bank.PackStatus{
			{ID: 0, Voltage: 27, Current: 0.4, Connected: true, Phase: bank.PhaseConnected, AmpereHours: 1.25},
			{ID: 1, Voltage: 26, Current: 0, Phase: bank.PhaseLocked, SwitchAttempts: 5, Reason: "voltage lags bank"},
			{ID: 2, Phase: bank.PhaseIdle, ReadError: "pack 2: read voltage: nack"},
		},
		Excluded: []string{"sensor 0x4f: no expander"},
	}
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, formatStatus(&buf, testSnapshot()))
	out := buf.String()

	assert.Contains(t, out, "Readings at 2024-05-01T12:00:00Z")
	assert.Contains(t, out, "Bank 26.500V avg, 26.000V min, 27.000V max")
	assert.Contains(t, out, "PACK")
	assert.Regexp(t, `0\s+connected\s+27\.000V\s+0\.400A\s+0\s+1\.250\s+-`, out)
	assert.Regexp(t, `1\s+locked\s+26\.000V\s+0\.000A\s+5\s+0\.000\s+voltage lags bank`, out)
	assert.Regexp(t, `2\s+idle\s+-\s+-\s+0\s+0\.000\s+pack 2: read voltage: nack`, out)
	assert.Contains(t, out, "Excluded sensor 0x4f: no expander")
}

func TestFormatStatusNoReadings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, formatStatus(&buf, bank.Snapshot{}))
	assert.Contains(t, buf.String(), "No readings yet")
	assert.NotContains(t, buf.String(), "avg")
}

func TestHandleCommand(t *testing.T) {
	b := &fakeBackend{snap: testSnapshot()}

	var buf bytes.Buffer
	require.NoError(t, handleCommand(&buf, b, "status"))
	assert.Contains(t, buf.String(), "locked")

	buf.Reset()
	require.NoError(t, handleCommand(&buf, b, "  P 1 "))
	assert.Contains(t, buf.String(), "locked")
	assert.NotContains(t, buf.String(), "connected")
	assert.NotContains(t, buf.String(), "Excluded")

	buf.Reset()
	require.NoError(t, handleCommand(&buf, b, "reset 1"))
	assert.Equal(t, []int{1}, b.resets)
	assert.Equal(t, "Pack 1 reset\n", buf.String())

	buf.Reset()
	require.NoError(t, handleCommand(&buf, b, ""))
	assert.Empty(t, buf.String())

	require.NoError(t, handleCommand(&buf, b, "help"))
	assert.Contains(t, buf.String(), "reset <id>")
}

func TestHandleCommandErrors(t *testing.T) {
	b := &fakeBackend{snap: testSnapshot()}
	var buf bytes.Buffer

	assert.ErrorIs(t, handleCommand(&buf, b, "quit"), errQuit)
	assert.ErrorIs(t, handleCommand(&buf, b, "pack 9"), bank.ErrUnknownPack)
	assert.Error(t, handleCommand(&buf, b, "reset"))
	assert.Error(t, handleCommand(&buf, b, "reset one"))
	assert.Error(t, handleCommand(&buf, b, "connect 1"))
	assert.Empty(t, b.resets)

	b.err = errors.New("service not running")
	assert.EqualError(t, handleCommand(&buf, b, "status"), "service not running")
	assert.EqualError(t, handleCommand(&buf, b, "reset 1"), "service not running")
}
