// Package stream owns the lifecycle of the device video stream: it creates
// a fresh transport per connection attempt, converts transport errors into
// an exponential-backoff reconnect cycle, and tracks the frame rate.
//
// All state lives on the controller's run goroutine. The public methods
// post commands to it; frames and state changes come back through the
// callbacks, which are invoked from that same goroutine so consumers never
// observe torn state.
package stream

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/camlink/mjpeg"
	"github.com/opd-ai/camlink/transport"
)

// Reconnection defaults.
const (
	DefaultInitialBackoff  = 1 * time.Second
	DefaultMaxBackoff      = 15 * time.Second
	DefaultMaxAttempts     = 8
	DefaultFrameRateWindow = 5 * time.Second
)

// Conn is the controller's view of a stream transport. Satisfied by
// *transport.StreamTransport; tests substitute fakes.
type Conn interface {
	Events() <-chan transport.StreamEvent
	Counters() (total, dropped uint64)
	Close() error
}

// DialFunc opens one stream connection. The default dials the device over
// TCP via transport.ConnectStream.
type DialFunc func(transport.StreamConfig) (Conn, error)

// Config configures a stream session controller.
type Config struct {
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int
	FrameRateWindow time.Duration
	ManagementPort  int

	// Registerer receives the prometheus metrics; nil uses the default
	// registry.
	Registerer prometheus.Registerer

	// Dial overrides transport construction, for tests.
	Dial DialFunc
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdReconnect
)

type command struct {
	kind cmdKind
	addr transport.StreamAddress
}

type connectResult struct {
	gen  int
	conn Conn
	err  error
}

// Controller is the stream session state machine. Construct with
// NewController, wire callbacks, then Start.
type Controller struct {
	cfg     Config
	dial    DialFunc
	metrics *Metrics

	cmds      chan command
	results   chan connectResult
	quit      chan struct{}
	stopped   chan struct{}
	dials     sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	onFrame func(*mjpeg.Frame)
	onState func(State)

	// Run-loop owned fields; never touched from other goroutines.
	state       State
	attempt     int
	gen         int
	addr        transport.StreamAddress
	conn        Conn
	events      <-chan transport.StreamEvent
	timer       *time.Timer
	timerC      <-chan time.Time
	frameTimes  []time.Time
	lastDropped uint64
	gotFrame    bool

	// Snapshot for concurrent readers.
	mu  sync.RWMutex
	cur State
	fps float64
}

// NewController creates a stopped controller with the given configuration.
func NewController(cfg Config) *Controller {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FrameRateWindow == 0 {
		cfg.FrameRateWindow = DefaultFrameRateWindow
	}

	c := &Controller{
		cfg:     cfg,
		dial:    cfg.Dial,
		metrics: NewMetrics(cfg.Registerer),
		cmds:    make(chan command, 4),
		results: make(chan connectResult, 1),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   State{Kind: Disconnected},
		cur:     State{Kind: Disconnected},
	}
	if c.dial == nil {
		c.dial = func(sc transport.StreamConfig) (Conn, error) {
			return transport.ConnectStream(sc)
		}
	}
	return c
}

// OnFrame registers the frame callback. Must be set before Start.
func (c *Controller) OnFrame(fn func(*mjpeg.Frame)) { c.onFrame = fn }

// OnStateChange registers the state callback. Must be set before Start.
func (c *Controller) OnStateChange(fn func(State)) { c.onState = fn }

// Start launches the run goroutine. Safe to call once.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		logrus.WithField("function", "Controller.Start").Info("Starting stream controller")
		c.started = true
		go c.run()
	})
}

// Stop tears the controller down. It is terminal; create a new controller
// to stream again.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		if c.started {
			<-c.stopped
		}
	})
}

// Connect parses the URL and begins connecting. Returns an address error
// immediately; connection errors surface through the state callback.
func (c *Controller) Connect(rawURL string) error {
	addr, err := transport.ParseStreamURL(rawURL)
	if err != nil {
		return err
	}
	c.cmds <- command{kind: cmdConnect, addr: addr}
	return nil
}

// Disconnect cancels any pending timer or transport and returns to
// Disconnected.
func (c *Controller) Disconnect() {
	c.cmds <- command{kind: cmdDisconnect}
}

// Reconnect resets the attempt counter to zero and connects immediately.
// It is the only way out of the terminal Failed state.
func (c *Controller) Reconnect() {
	c.cmds <- command{kind: cmdReconnect}
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// FrameRate returns frames per second over the rolling window. Zeroed on
// any error.
func (c *Controller) FrameRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fps
}

// run is the coordination context: the only goroutine that mutates
// controller state.
func (c *Controller) run() {
	defer close(c.stopped)
	defer c.teardown()

	for {
		select {
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
		case res := <-c.results:
			c.handleConnectResult(res)
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.handleEvent(ev)
		case <-c.timerC:
			c.timerC = nil
			c.startAttempt()
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		if c.state.Kind != Disconnected && c.state.Kind != Failed {
			logrus.WithFields(logrus.Fields{
				"function": "Controller.handleCommand",
				"state":    c.state.Kind.String(),
			}).Warn("Connect ignored, already active")
			return
		}
		c.addr = cmd.addr
		c.attempt = 0
		c.startAttempt()

	case cmdDisconnect:
		c.cancelTimer()
		c.dropConn()
		c.attempt = 0
		c.zeroFrameRate()
		c.setState(State{Kind: Disconnected})

	case cmdReconnect:
		c.cancelTimer()
		c.dropConn()
		c.attempt = 0
		c.zeroFrameRate()
		if c.addr.Host == "" {
			logrus.WithField("function", "Controller.handleCommand").
				Warn("Reconnect ignored, never connected")
			c.setState(State{Kind: Disconnected})
			return
		}
		c.startAttempt()
	}
}

// startAttempt moves to Connecting and dials on a short-lived goroutine so
// disconnect commands stay responsive while the dial is in flight.
func (c *Controller) startAttempt() {
	c.gen++
	gen := c.gen
	c.setState(State{Kind: Connecting})

	if c.attempt > 0 {
		c.metrics.ReconnectsTotal.Inc()
	}

	cfg := transport.StreamConfig{
		Address:        c.addr,
		ManagementPort: c.cfg.ManagementPort,
	}
	c.dials.Add(1)
	go func() {
		defer c.dials.Done()
		conn, err := c.dial(cfg)
		select {
		case c.results <- connectResult{gen: gen, conn: conn, err: err}:
		case <-c.quit:
			// Stopped mid-dial: nobody will consume the result.
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (c *Controller) handleConnectResult(res connectResult) {
	if res.gen != c.gen {
		// A disconnect or reconnect superseded this attempt.
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	if res.err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.handleConnectResult",
			"attempt":  c.attempt,
			"error":    res.err,
		}).Warn("Stream connection attempt failed")
		c.handleFailure(res.err)
		return
	}

	c.conn = res.conn
	c.events = res.conn.Events()
	c.gotFrame = false
	c.lastDropped = 0
}

func (c *Controller) handleEvent(ev transport.StreamEvent) {
	switch ev.Type {
	case transport.EventFrame:
		if !c.gotFrame {
			c.gotFrame = true
			c.attempt = 0
			c.setState(State{Kind: Streaming})
		}
		c.trackFrame()
		c.updateDroppedCounter()
		if c.onFrame != nil {
			c.onFrame(ev.Frame)
		}

	case transport.EventError, transport.EventCompleted:
		c.updateDroppedCounter()
		c.zeroFrameRate()
		c.dropConn()
		if ev.Type == transport.EventCompleted && ev.Err == nil {
			// Local close; disconnect already handled the state.
			return
		}
		c.handleFailure(ev.Err)
	}
}

// handleFailure advances the reconnect cycle or, past the attempt cap,
// enters the terminal Failed state.
func (c *Controller) handleFailure(err error) {
	if c.state.Kind == Disconnected || c.state.Kind == Failed {
		return
	}
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		msg := "reconnect attempts exhausted"
		if err != nil {
			msg = err.Error()
		}
		logrus.WithFields(logrus.Fields{
			"function": "Controller.handleFailure",
			"attempts": c.attempt - 1,
			"error":    err,
		}).Error("Reconnect attempts exhausted, entering terminal error state")
		c.setState(State{Kind: Failed, Message: msg})
		return
	}

	delay := Backoff(c.attempt, c.cfg.InitialBackoff, c.cfg.MaxBackoff)
	logrus.WithFields(logrus.Fields{
		"function": "Controller.handleFailure",
		"attempt":  c.attempt,
		"delay":    delay,
		"error":    err,
	}).Info("Scheduling reconnect")

	c.setState(State{Kind: Reconnecting, Attempt: c.attempt})
	c.cancelTimer()
	c.timer = time.NewTimer(delay)
	c.timerC = c.timer.C
}

// setState applies a transition if it is legal and notifies the consumer.
func (c *Controller) setState(next State) {
	if next.Kind == c.state.Kind && next.Attempt == c.state.Attempt {
		return
	}
	if !canTransition(c.state.Kind, next.Kind) && next.Kind != c.state.Kind {
		logrus.WithFields(logrus.Fields{
			"function": "Controller.setState",
			"from":     c.state.Kind.String(),
			"to":       next.Kind.String(),
		}).Warn("Illegal state transition ignored")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Controller.setState",
		"from":     c.state.Kind.String(),
		"to":       next.Kind.String(),
		"attempt":  next.Attempt,
	}).Debug("Stream state changed")

	c.state = next
	c.mu.Lock()
	c.cur = next
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(next)
	}
}

// trackFrame records a frame timestamp and recomputes the rolling rate.
func (c *Controller) trackFrame() {
	now := time.Now()
	c.frameTimes = append(c.frameTimes, now)

	cutoff := now.Add(-c.cfg.FrameRateWindow)
	i := 0
	for i < len(c.frameTimes) && c.frameTimes[i].Before(cutoff) {
		i++
	}
	c.frameTimes = c.frameTimes[i:]

	fps := float64(len(c.frameTimes)) / c.cfg.FrameRateWindow.Seconds()
	c.metrics.FramesTotal.Inc()
	c.metrics.FramesPerSecond.Set(fps)

	c.mu.Lock()
	c.fps = fps
	c.mu.Unlock()
}

func (c *Controller) zeroFrameRate() {
	c.frameTimes = nil
	c.metrics.FramesPerSecond.Set(0)
	c.mu.Lock()
	c.fps = 0
	c.mu.Unlock()
}

// updateDroppedCounter folds the parser's dropped-frame count into the
// prometheus counter.
func (c *Controller) updateDroppedCounter() {
	if c.conn == nil {
		return
	}
	_, dropped := c.conn.Counters()
	if dropped > c.lastDropped {
		c.metrics.FramesDropped.Add(float64(dropped - c.lastDropped))
		c.lastDropped = dropped
	}
}

func (c *Controller) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.events = nil
	}
	c.gen++ // invalidates any in-flight dial
}

func (c *Controller) cancelTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.timerC = nil
	}
}

func (c *Controller) teardown() {
	c.cancelTimer()
	c.dropConn()
	c.zeroFrameRate()

	// Every dial goroutine either delivered its result or bailed out on
	// quit; anything still parked in the buffer owns a live connection.
	c.dials.Wait()
	for {
		select {
		case res := <-c.results:
			if res.conn != nil {
				res.conn.Close()
			}
		default:
			return
		}
	}
}
