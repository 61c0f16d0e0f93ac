package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/metrics"
)

var (
	ErrUnavailable    = errors.New("stream unavailable")
	ErrOutboxFull     = errors.New("stream outbox full")
	ErrAlreadyStarted = errors.New("stream already started")
	ErrIdleTimeout    = errors.New("stream idle timeout")
)

const inboxSize = 64

type Options struct {
	URL    string
	Dialer Dialer
	// MaxRetries bounds reconnect attempts after a drop or a failed first
	// dial. Only a connection that proved stable (a ready event or an
	// answered heartbeat) resets the budget and the backoff.
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	BackoffMultiplier   float64
	RandomizationFactor float64
	HeartbeatInterval   time.Duration
	// IdleTimeout bounds how long a heartbeat ping waits for its pong.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxSize   int
	// OnStateChange runs on the connection goroutine and must not call
	// Close.
	OnStateChange func(State)
	// OnConnectivityWarning fires once, when reconnection is abandoned. It
	// runs on the dispatch goroutine like event handlers, so it may call
	// Close.
	OnConnectivityWarning func(error)
	Logger                logr.Logger
	Metrics               *metrics.Metrics
}

type subscription struct {
	id      uint64
	handler func(Event)
}

// Coordinator owns one logical connection. It reconnects with exponential
// backoff up to MaxRetries times and then settles in StateFailed.
type Coordinator struct {
	opts    Options
	logger  logr.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	outbox chan []byte
	// retryFrame holds a frame whose write failed; only the writer
	// goroutine touches it and at most one writer runs at a time.
	retryFrame []byte

	// inbox feeds the dispatch goroutine. callbacks counts handlers that
	// are running, so Close can tell it may be called from one of them.
	inbox        chan func()
	dispatchDone chan struct{}
	callbacks    atomic.Int32

	mu      sync.RWMutex
	state   State
	started bool
	subs    map[string][]subscription
	nextSub uint64
	delays  []time.Duration

	warnOnce sync.Once
	closing  atomic.Bool
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("stream: url is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer(nil)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 8 * time.Second
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 2
	}
	if opts.RandomizationFactor < 0 || opts.RandomizationFactor >= 1 {
		opts.RandomizationFactor = 0
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:    opts,
		logger:  opts.Logger.WithValues("url", opts.URL),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan []byte, opts.OutboxSize),
		state:   StateDisconnected,
		subs:    map[string][]subscription{},

		inbox:        make(chan func(), inboxSize),
		dispatchDone: make(chan struct{}),
	}, nil
}

// Start launches the connection loop. It returns immediately; progress is
// observable through State and OnStateChange. Cancelling ctx has the same
// effect as Close.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed || c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrUnavailable
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.wg.Add(1)
	c.mu.Unlock()
	go c.dispatchLoop()

	if ctx != nil {
		stop := context.AfterFunc(ctx, c.cancel)
		go func() {
			<-c.ctx.Done()
			stop()
		}()
	}
	go c.run()
	return nil
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Backoffs returns the reconnect delays used so far.
func (c *Coordinator) Backoffs() []time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]time.Duration(nil), c.delays...)
}

// On registers handler for eventType. Events are dispatched one at a time
// on a dedicated goroutine; handlers of one type run in registration order.
func (c *Coordinator) On(eventType string, handler func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	c.subs[eventType] = append(c.subs[eventType], subscription{id: id, handler: handler})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[eventType]
		for i, sub := range subs {
			if sub.id == id {
				c.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Send queues ev for delivery. Frames queued while reconnecting are sent
// once a connection is up again.
func (c *Coordinator) Send(ev Outbound) error {
	if strings.TrimSpace(ev.Type) == "" {
		ev.Type = EventMessage
	}
	switch c.State() {
	case StateFailed, StateClosed:
		return ErrUnavailable
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops reconnection, releases the transport and waits for the
// connection goroutines to exit. It also waits for the dispatch goroutine
// unless a handler is running, which is the case when a handler or the
// connectivity warning calls Close itself. Only the first call waits;
// later calls return at once.
func (c *Coordinator) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.setState(StateClosed)
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if started && c.callbacks.Load() == 0 {
		<-c.dispatchDone
	}
	return nil
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.InitialBackoff,
		RandomizationFactor: c.opts.RandomizationFactor,
		Multiplier:          c.opts.BackoffMultiplier,
		MaxInterval:         c.opts.MaxBackoff,
	}
	bo.Reset()

	retries := 0
	var lastErr error
	for attempt := 0; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			if retries >= c.opts.MaxRetries {
				c.fail(lastErr)
				return
			}
			retries++
			delay := bo.NextBackOff()
			c.recordDelay(delay)
			c.metrics.StreamReconnect()
			c.setState(StateConnecting)
			c.logger.Info("reconnecting", "attempt", retries, "maxRetries", c.opts.MaxRetries, "delay", delay)
			if !c.sleep(delay) {
				return
			}
		}

		c.setState(StateConnecting)
		conn, err := c.opts.Dialer(c.ctx, c.opts.URL)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			lastErr = err
			c.logger.Info("dial failed", "error", err.Error())
			continue
		}
		c.setState(StateConnected)
		c.logger.V(1).Info("connected")

		var stable bool
		stable, lastErr = c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}
		if stable {
			retries = 0
			bo.Reset()
		}
		c.logger.Info("connection dropped", "error", errString(lastErr), "stable", stable)
	}
}

// serve runs one connection until it drops. stable reports whether the
// connection got a ready event or an answered heartbeat.
func (c *Coordinator) serve(conn Conn) (stable bool, err error) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	var proven atomic.Bool
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- c.readLoop(ctx, conn, &proven)
	}()
	go func() {
		defer wg.Done()
		errCh <- c.writeLoop(ctx, conn)
	}()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case err = <-errCh:
			break loop
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.opts.IdleTimeout)
			pingErr := conn.Ping(pingCtx)
			pingCancel()
			if pingErr != nil {
				if errors.Is(pingErr, context.DeadlineExceeded) && ctx.Err() == nil {
					err = ErrIdleTimeout
				} else {
					err = fmt.Errorf("heartbeat: %w", pingErr)
				}
				break loop
			}
			proven.Store(true)
		}
	}
	cancel()
	_ = conn.Close()
	wg.Wait()
	return proven.Load(), err
}

func (c *Coordinator) readLoop(ctx context.Context, conn Conn, proven *atomic.Bool) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || strings.TrimSpace(ev.Type) == "" {
			c.metrics.StreamDrop()
			c.logger.V(1).Info("dropping malformed frame", "bytes", len(data))
			continue
		}
		if ev.Type == EventReady {
			proven.Store(true)
		}
		if !c.enqueue(ctx, func() { c.dispatch(ev) }) {
			return ctx.Err()
		}
	}
}

func (c *Coordinator) writeLoop(ctx context.Context, conn Conn) error {
	if c.retryFrame != nil {
		if err := c.write(ctx, conn, c.retryFrame); err != nil {
			return err
		}
		c.retryFrame = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.outbox:
			if err := c.write(ctx, conn, frame); err != nil {
				c.retryFrame = frame
				return err
			}
		}
	}
}

func (c *Coordinator) write(ctx context.Context, conn Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, frame)
}

func (c *Coordinator) enqueue(ctx context.Context, fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.inbox:
			if c.ctx.Err() != nil {
				return
			}
			c.callbacks.Add(1)
			fn()
			c.callbacks.Add(-1)
		}
	}
}

func (c *Coordinator) dispatch(ev Event) {
	c.mu.RLock()
	subs := append([]subscription(nil), c.subs[ev.Type]...)
	c.mu.RUnlock()
	for _, sub := range subs {
		c.invoke(sub, ev)
	}
}

func (c *Coordinator) invoke(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Errorf("panic: %v", r), "event handler crashed", "type", ev.Type)
		}
	}()
	sub.handler(ev)
}

func (c *Coordinator) fail(cause error) {
	c.setState(StateFailed)
	if cause == nil {
		cause = ErrUnavailable
	}
	c.logger.Error(cause, "giving up on stream", "retries", c.opts.MaxRetries)
	if c.opts.OnConnectivityWarning == nil {
		return
	}
	c.enqueue(c.ctx, func() {
		c.warnOnce.Do(func() { c.opts.OnConnectivityWarning(cause) })
	})
}

func (c *Coordinator) setState(next State) {
	c.mu.Lock()
	if c.state == next || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.metrics.SetStreamState(next.gaugeValue())
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

func (c *Coordinator) recordDelay(d time.Duration) {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
}

func (c *Coordinator) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
