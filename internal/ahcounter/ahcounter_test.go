package ahcounter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeReader struct {
	mu      sync.Mutex
	current map[int]float64
	fail    map[int]bool
}

func (f *fakeReader) ReadCurrent(id int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[id] {
		return 0, errors.New("read failed")
	}
	return f.current[id], nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	total map[int]float64
	calls int
}

func (f *fakeRecorder) RecordAmpereHours(id int, ah float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total[id] = ah
	f.calls++
	return nil
}

func TestTrapezoidIntegration(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reader := &fakeReader{current: map[int]float64{0: 1, 1: -2}, fail: map[int]bool{}}
	rec := &fakeRecorder{total: map[int]float64{}}
	c := New(reader, rec, []int{0, 1}, nil, WithClock(func() time.Time { return now }))

	c.Sample()
	assert.Equal(t, 0.0, c.Total(0))

	now = now.Add(30 * time.Minute)
	reader.current[0] = 3
	c.Sample()
	// (1+3)/2 A for half an hour.
	assert.InDelta(t, 1.0, c.Total(0), 1e-9)
	assert.InDelta(t, -1.0, c.Total(1), 1e-9)
	assert.InDelta(t, 1.0, rec.total[0], 1e-9)
	assert.Equal(t, 4, rec.calls)
}

func TestReadErrorDropsAnchor(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reader := &fakeReader{current: map[int]float64{0: 2}, fail: map[int]bool{}}
	c := New(reader, nil, []int{0}, nil, WithClock(func() time.Time { return now }))
	c.Restore(0, 5)

	c.Sample()
	now = now.Add(time.Hour)
	reader.fail[0] = true
	c.Sample()
	assert.Equal(t, 5.0, c.Total(0))

	// The failed hour is not counted.
	now = now.Add(time.Hour)
	reader.fail[0] = false
	c.Sample()
	assert.Equal(t, 5.0, c.Total(0))
	now = now.Add(time.Hour)
	c.Sample()
	assert.InDelta(t, 7.0, c.Total(0), 1e-9)
}

func TestUnknownPack(t *testing.T) {
	c := New(&fakeReader{}, nil, []int{0}, nil)
	c.Restore(9, 1)
	assert.Equal(t, 0.0, c.Total(9))
}

func TestRunStopsOnCancel(t *testing.T) {
	reader := &fakeReader{current: map[int]float64{0: 1}, fail: map[int]bool{}}
	rec := &fakeRecorder{total: map[int]float64{}}
	c := New(reader, rec, []int{0}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Greater(t, rec.calls, 1)
}
