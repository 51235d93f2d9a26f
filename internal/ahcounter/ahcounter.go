// Package ahcounter integrates pack current over time into consumed ampere
// hours.
package ahcounter

import (
	"context"
	"sync"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
)

type CurrentReader interface {
	ReadCurrent(packID int) (float64, error)
}

// Recorder receives the running total for each pack after every sample.
type Recorder interface {
	RecordAmpereHours(packID int, ah float64) error
}

type integrator struct {
	ah       float64
	current  float64
	at       time.Time
	anchored bool
}

type Counter struct {
	reader CurrentReader
	rec    Recorder
	log    *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	order []int
	packs map[int]*integrator
}

type Option func(*Counter)

func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		c.now = now
	}
}

func New(reader CurrentReader, rec Recorder, packIDs []int, log *logging.Logger, opts ...Option) *Counter {
	if log == nil {
		log = logging.NewLogger("info")
	}
	c := &Counter{
		reader: reader,
		rec:    rec,
		log:    log,
		now:    time.Now,
		order:  append([]int(nil), packIDs...),
		packs:  make(map[int]*integrator, len(packIDs)),
	}
	for _, id := range packIDs {
		c.packs[id] = &integrator{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Restore sets the starting total of a pack, such as the last logged value.
func (c *Counter) Restore(packID int, ah float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.packs[packID]; ok {
		p.ah = ah
	}
}

// Total returns the consumed ampere hours of a pack. Charging reduces it.
func (c *Counter) Total(packID int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.packs[packID]; ok {
		return p.ah
	}
	return 0
}

// Sample reads every pack once and adds the area under the current curve
// since the previous sample. A failed read drops the pack's anchor so the
// gap is not integrated.
func (c *Counter) Sample() {
	for _, id := range c.order {
		current, err := c.reader.ReadCurrent(id)
		now := c.now()

		c.mu.Lock()
		p := c.packs[id]
		if err != nil {
			p.anchored = false
			c.mu.Unlock()
			c.log.Debugf("Skipping Ah sample for pack %d: %v", id, err)
			continue
		}
		if p.anchored {
			hours := now.Sub(p.at).Hours()
			p.ah += (p.current + current) / 2 * hours
		}
		p.current = current
		p.at = now
		p.anchored = true
		ah := p.ah
		c.mu.Unlock()

		if c.rec != nil {
			if err := c.rec.RecordAmpereHours(id, ah); err != nil {
				c.log.Errorf("Failed to record Ah for pack %d: %v", id, err)
			}
		}
	}
}

// Run samples every interval until ctx is done.
func (c *Counter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sample()
		}
	}
}
