package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFullBank(t *testing.T) {
	l, excluded, err := Build(SensorAddresses(), ExpanderAddresses())
	require.NoError(t, err)
	assert.Empty(t, excluded)
	require.Len(t, l.Channels, 16)

	c, ok := l.Channel(5)
	require.True(t, ok)
	assert.Equal(t, uint16(0x45), c.Sensor)
	assert.Equal(t, uint16(0x21), c.Expander)
	assert.Equal(t, 1, c.Output)
	assert.Equal(t, 1, c.ContactorPin())
	assert.Equal(t, 5, c.AlertPin())
	assert.Equal(t, 10, c.RedPin())
	assert.Equal(t, 11, c.GreenPin())

	c, _ = l.Channel(15)
	assert.Equal(t, uint16(0x23), c.Expander)
	assert.Equal(t, 3, c.Output)
	assert.Equal(t, 14, c.RedPin())
	assert.Equal(t, 15, c.GreenPin())
	assert.Equal(t, []uint16{0x20, 0x21, 0x22, 0x23}, l.Expanders())
}

func TestBuildExcludesUnusableSensors(t *testing.T) {
	l, excluded, err := Build([]uint16{0x40, 0x44, 0x50, 0x41}, []uint16{0x20})
	require.NoError(t, err)

	require.Len(t, l.Channels, 2)
	assert.Equal(t, uint16(0x40), l.Channels[0].Sensor)
	assert.Equal(t, uint16(0x41), l.Channels[1].Sensor)
	assert.Equal(t, 1, l.Channels[1].PackID)
	assert.Equal(t, []int{0, 1}, l.PackIDs())

	require.Len(t, excluded, 2)
	assert.Equal(t, uint16(0x44), excluded[0].Sensor)
	assert.ErrorIs(t, excluded[0].Err, ErrMissingExpander)
	assert.Equal(t, uint16(0x50), excluded[1].Sensor)
	assert.ErrorIs(t, excluded[1].Err, ErrUnmappedAddress)
	assert.Contains(t, excluded[1].String(), "0x50")
}

func TestPackIDsFollowSensorAddress(t *testing.T) {
	// 0x41 did not answer; 0x42 keeps the id it has on a full bank.
	l, excluded, err := Build([]uint16{0x40, 0x42, 0x4D}, ExpanderAddresses())
	require.NoError(t, err)
	assert.Empty(t, excluded)
	assert.Equal(t, []int{0, 2, 13}, l.PackIDs())

	_, ok := l.Channel(1)
	assert.False(t, ok)
	c, ok := l.Channel(2)
	require.True(t, ok)
	assert.Equal(t, uint16(0x42), c.Sensor)
	assert.Equal(t, 2, c.Output)
	c, ok = l.Channel(13)
	require.True(t, ok)
	assert.Equal(t, uint16(0x4D), c.Sensor)
	assert.Equal(t, uint16(0x23), c.Expander)
}

func TestBuildRejectsDuplicates(t *testing.T) {
	_, _, err := Build([]uint16{0x40, 0x40}, []uint16{0x20})
	assert.ErrorIs(t, err, ErrDuplicateAddress)
}

func TestChannelOutOfRange(t *testing.T) {
	l, _, err := Build([]uint16{0x40}, []uint16{0x20})
	require.NoError(t, err)
	_, ok := l.Channel(1)
	assert.False(t, ok)
	_, ok = l.Channel(-1)
	assert.False(t, ok)
}
