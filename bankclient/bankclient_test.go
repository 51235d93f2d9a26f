package bankclient

import (
	"testing"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	snap, err := ParseStatus(`{"time":"2024-05-01T12:00:00Z","maxVoltage":27.5,"minVoltage":26,
		"packs":[{"id":3,"voltage":26,"current":-0.2,"connected":false,"phase":"locked","switchAttempts":5,"ampereHours":0.5,"class":"charging"}]}`)
	require.NoError(t, err)
	require.Len(t, snap.Packs, 1)
	p := snap.Packs[0]
	assert.Equal(t, 3, p.ID)
	assert.Equal(t, bank.PhaseLocked, p.Phase)
	assert.Equal(t, uint32(5), p.SwitchAttempts)
	assert.Nil(t, snap.AverageVoltage)

	_, err = ParseStatus(`{"packs":[{"phase":"sideways"}]}`)
	assert.Error(t, err)
	_, err = ParseStatus(`not json`)
	assert.Error(t, err)
}
