// Package controller owns the call lifecycle:
//
//	idle -> starting -> active -> stopping -> polling -> result | no-result
//
// The Controller is the single writer of call state. It holds the voice
// session handle, starts exactly one result poll per call-stop event, and
// publishes a Snapshot to subscribers after every change.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/observe"
	"call-insights-go/internal/poller"
	"call-insights-go/internal/types"
	"call-insights-go/internal/voice"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call to stop")
	ErrNotTerminal    = errors.New("call has not reached a terminal state")
	ErrNotPolling     = errors.New("no result poll is running")
	ErrClosed         = errors.New("controller closed")
)

// ResultPoller is satisfied by *poller.Poller.
type ResultPoller interface {
	Poll(ctx context.Context, callID string, opts ...poller.Option) (*types.CallResult, bool)
}

const subscriberBuffer = 16

type pendingStop int

const (
	stopNone pendingStop = iota
	stopHangUp
	stopEnded
)

type Controller struct {
	voice   voice.SessionClient
	poller  ResultPoller
	log     *logrus.Entry
	metrics *observe.Metrics
	now     func() time.Time

	mu         sync.Mutex
	closed     bool
	state      types.CallState
	session    *types.CallSession
	descriptor voice.Descriptor
	result     *types.CallResult
	loading    bool
	updatedAt  time.Time

	// generation increments whenever a call is started or reset so that late
	// callbacks from an earlier poll are dropped.
	generation uint64
	cancelPoll context.CancelFunc
	pollWG     sync.WaitGroup

	// startInFlight is set while the vendor start request runs; a stop seen
	// meanwhile is parked in pending.
	startInFlight bool
	pending       pendingStop

	subs    map[int]chan types.Snapshot
	nextSub int
}

type Option func(*Controller)

func WithLogger(log *logrus.Entry) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func New(vc voice.SessionClient, p ResultPoller, opts ...Option) *Controller {
	c := &Controller{
		voice:  vc,
		poller: p,
		now:    time.Now,
		state:  types.CallIdle,
		subs:   map[int]chan types.Snapshot{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.New().Component("controller")
	}
	c.updatedAt = c.now()
	return c
}

// Start begins a new call. It is only allowed from a terminal state; a
// previous result is discarded.
func (c *Controller) Start(ctx context.Context, caller types.Caller) (types.Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.Snapshot{}, ErrClosed
	}
	if !c.state.Terminal() {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrCallInProgress
	}
	c.generation++
	gen := c.generation
	c.session = &types.CallSession{CreatedAt: c.now()}
	c.descriptor = voice.Descriptor{}
	c.result = nil
	c.loading = false
	c.startInFlight = true
	c.pending = stopNone
	c.transitionLocked(types.CallStarting, 1)
	c.mu.Unlock()

	d, err := c.voice.Start(ctx, caller)

	c.mu.Lock()
	if gen != c.generation {
		// The call already ran its course and was reset.
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	c.startInFlight = false
	pending := c.pending
	c.pending = stopNone
	if c.closed {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		if err == nil && pending == stopHangUp {
			c.hangUp(ctx, gen, d)
		}
		return snap, ErrClosed
	}
	if err != nil {
		c.log.WithField("error", err.Error()).Error("voice session failed to start")
		c.session = nil
		if c.state == types.CallStarting || c.state == types.CallStopping {
			c.transitionLocked(types.CallIdle, -1)
		}
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, err
	}
	c.descriptor = d
	if c.session != nil {
		c.session.ID = d.ID
	}
	c.log.WithField("call_id", d.ID).Info("call session started")

	switch pending {
	case stopHangUp:
		c.log.WithField("call_id", d.ID).Info("stop requested while starting, ending call")
		c.mu.Unlock()
		return c.hangUp(ctx, gen, d), nil
	case stopEnded:
		c.startPollLocked()
	default:
		c.publishLocked()
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return snap, nil
}

// Stop ends the current call on the user's request and starts the result
// poll once the voice session has been told to hang up. A stop that arrives
// before the vendor has returned the call is completed by Start.
func (c *Controller) Stop(ctx context.Context) (types.Snapshot, error) {
	c.mu.Lock()
	if c.state != types.CallStarting && c.state != types.CallActive {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, ErrNoActiveCall
	}
	gen := c.generation
	d := c.descriptor
	if c.session != nil {
		c.session.Started = false
		c.session.Speaking = false
	}
	c.transitionLocked(types.CallStopping, 0)
	if c.startInFlight {
		c.pending = stopHangUp
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	return c.hangUp(ctx, gen, d), nil
}

// hangUp tells the vendor to end d and then starts the poll, unless the call
// moved on meanwhile. Called without the lock held.
func (c *Controller) hangUp(ctx context.Context, gen uint64, d voice.Descriptor) types.Snapshot {
	if err := c.voice.Stop(ctx, d); err != nil {
		// Poll anyway: the vendor may have ended the call already.
		c.log.WithField("call_id", d.ID).WithField("error", err.Error()).Warn("voice session stop failed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation && c.state == types.CallStopping && !c.closed {
		c.startPollLocked()
	}
	return c.snapshotLocked()
}

// Cancel aborts a running result poll. The call ends in no-result.
func (c *Controller) Cancel() (types.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.CallPolling || c.cancelPoll == nil {
		return c.snapshotLocked(), ErrNotPolling
	}
	c.cancelPoll()
	return c.snapshotLocked(), nil
}

// Reset returns a terminal controller to idle and forgets the last call.
func (c *Controller) Reset() (types.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return c.snapshotLocked(), ErrNotTerminal
	}
	if c.state == types.CallIdle && c.session == nil {
		return c.snapshotLocked(), nil
	}
	c.generation++
	c.session = nil
	c.descriptor = voice.Descriptor{}
	c.result = nil
	c.loading = false
	c.transitionLocked(types.CallIdle, 0)
	return c.snapshotLocked(), nil
}

// HandleEvent applies a voice lifecycle event. Events that do not fit the
// current state, or that name a different call, are ignored.
func (c *Controller) HandleEvent(ev voice.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.session == nil {
		c.log.WithField("event", ev.Type).Debug("event without a session ignored")
		return
	}
	if ev.CallID != "" && c.session.ID != "" && ev.CallID != c.session.ID {
		c.log.WithFields(logrus.Fields{
			"event":         ev.Type,
			"event_call_id": ev.CallID,
			"call_id":       c.session.ID,
		}).Debug("event for another call ignored")
		return
	}

	switch ev.Type {
	case voice.EventCallStart:
		if c.state != types.CallStarting {
			break
		}
		c.session.Started = true
		c.transitionLocked(types.CallActive, 0)
		return
	case voice.EventCallEnd:
		if c.state != types.CallStarting && c.state != types.CallActive {
			break
		}
		c.session.Started = false
		c.session.Speaking = false
		c.transitionLocked(types.CallStopping, 0)
		if c.startInFlight {
			// Polled by Start once the call id is known.
			c.pending = stopEnded
			return
		}
		c.startPollLocked()
		return
	case voice.EventSpeechStart, voice.EventSpeechEnd:
		if c.state != types.CallActive {
			break
		}
		c.session.Speaking = ev.Type == voice.EventSpeechStart
		c.publishLocked()
		return
	case voice.EventVolumeLevel:
		if c.state != types.CallActive {
			break
		}
		c.session.VolumeLevel = ev.Volume
		c.publishLocked()
		return
	}
	c.log.WithFields(logrus.Fields{"event": ev.Type, "state": c.state}).Debug("event ignored in current state")
}

// startPollLocked moves to polling and runs the poll in its own goroutine.
// Only reached from stopping, so each call gets at most one poll.
func (c *Controller) startPollLocked() {
	gen := c.generation
	callID := ""
	if c.session != nil {
		callID = c.session.ID
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelPoll = cancel
	c.transitionLocked(types.CallPolling, 0)

	c.pollWG.Add(1)
	go func() {
		defer c.pollWG.Done()
		defer cancel()
		res, ok := c.poller.Poll(ctx, callID, poller.WithLoading(func(on bool) {
			c.setLoading(gen, on)
		}))
		c.finishPoll(gen, res, ok)
	}()
}

func (c *Controller) setLoading(gen uint64, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.loading == on {
		return
	}
	c.loading = on
	c.publishLocked()
}

func (c *Controller) finishPoll(gen uint64, res *types.CallResult, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelPoll = nil
	if gen != c.generation || c.state != types.CallPolling {
		return
	}
	c.loading = false
	if ok {
		c.result = res
		c.transitionLocked(types.CallResulted, -1)
		return
	}
	c.transitionLocked(types.CallNoResult, -1)
}

func (c *Controller) transitionLocked(to types.CallState, activeDelta int64) {
	from := c.state
	c.state = to
	c.log.WithFields(logrus.Fields{"from": from, "to": to}).Info("call state changed")
	c.metrics.RecordTransition(context.Background(), string(to), activeDelta)
	c.publishLocked()
}

func (c *Controller) Snapshot() types.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() types.Snapshot {
	snap := types.Snapshot{
		State:         c.state,
		Result:        c.result,
		LoadingResult: c.loading,
		UpdatedAt:     c.updatedAt,
	}
	if c.session != nil {
		s := *c.session
		snap.Session = &s
	}
	return snap
}

// Subscribe returns a channel that receives the current snapshot and then
// every change. Slow readers lose intermediate snapshots, never the latest.
// The returned func unsubscribes and closes the channel.
func (c *Controller) Subscribe() (<-chan types.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan types.Snapshot, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Controller) publishLocked() {
	c.updatedAt = c.now()
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Close cancels any running poll, waits for it to return and closes all
// subscriber channels.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	c.mu.Unlock()

	c.pollWG.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}
