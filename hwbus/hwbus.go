package hwbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var ErrClosed = errors.New("i2c bus owner closed")

const (
	defaultRetries    = 2
	defaultRetryDelay = 20 * time.Millisecond
	queueLength       = 20
)

// Bus serializes every transaction on an I2C bus through a single goroutine.
// The sensor and expander chips are not reentrant so nothing else may use the
// underlying bus once it is wrapped. Bus implements i2c.Bus so drivers can
// use it directly.
type Bus struct {
	bus          i2c.Bus
	log          *logging.Logger
	requests     chan request
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	senders      sync.WaitGroup
	mutex        sync.Mutex
	closed       bool
	requestCount int
	retries      int
	retryDelay   time.Duration
}

type request struct {
	requestTime time.Time
	requestID   int
	addr        uint16
	write       []byte
	read        []byte
	speed       physic.Frequency
	response    chan error
}

type Option func(*Bus)

// WithRetries sets how many times a failed transaction is repeated and the
// wait between attempts.
func WithRetries(retries int, delay time.Duration) Option {
	return func(b *Bus) {
		b.retries = retries
		b.retryDelay = delay
	}
}

// New starts the owner goroutine for bus. A nil log uses an info level logger.
func New(bus i2c.Bus, log *logging.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logging.NewLogger("info")
	}
	b := &Bus{
		bus:        bus,
		log:        log,
		requests:   make(chan request, queueLength),
		done:       make(chan struct{}),
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for req := range b.requests {
			select {
			case <-b.done:
				req.response <- ErrClosed
			default:
				req.response <- b.process(req)
			}
		}
	}()
	return b
}

func (b *Bus) String() string {
	return fmt.Sprintf("serialized(%s)", b.bus)
}

// Tx queues a transaction and waits for it to complete.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	return b.enqueue(request{addr: addr, write: w, read: r})
}

// SetSpeed is run in order with the queued transactions.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	return b.enqueue(request{speed: f})
}

// Close stops the owner goroutine. A transaction in progress completes,
// transactions still queued return ErrClosed and so do later calls. The
// wrapped bus is not closed.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mutex.Lock()
		b.closed = true
		b.mutex.Unlock()
		close(b.done)
		b.senders.Wait()
		close(b.requests)
	})
	b.wg.Wait()
	return nil
}

func (b *Bus) enqueue(req request) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	b.senders.Add(1)
	req.requestID = b.requestCount
	b.requestCount++
	b.mutex.Unlock()
	defer b.senders.Done()
	req.requestTime = time.Now()
	req.response = make(chan error, 1)

	select {
	case b.requests <- req:
	case <-b.done:
		return ErrClosed
	}
	// Once queued the owner always answers, and the caller's read buffer
	// must not be reused before it has.
	return <-req.response
}

func (b *Bus) process(req request) error {
	startTime := time.Now()
	b.log.Debugf("Waited %s for request '%d' to be processed", startTime.Sub(req.requestTime), req.requestID)
	if req.speed != 0 {
		return b.bus.SetSpeed(req.speed)
	}

	var err error
	for i := 0; i <= b.retries; i++ {
		err = b.bus.Tx(req.addr, req.write, req.read)
		if err == nil {
			b.log.Debugf("I2C Tx to 0x%x succeeded after %d retries, took %s", req.addr, i, time.Since(startTime))
			return nil
		}
		if i < b.retries {
			b.log.Debugf("I2C Tx failed, retrying %d more times: %s", b.retries-i, err)
			time.Sleep(b.retryDelay)
		}
	}
	b.log.Errorf("I2C Tx failed. Address 0x%x, Write %v, ReadLen %d: %v", req.addr, req.write, len(req.read), err)
	return fmt.Errorf("i2c tx to 0x%02x: %w", req.addr, err)
}

var _ i2c.Bus = &Bus{}
