// Package sched is the dispatch/dependency scheduler at the center of
// plume. Each unit of GPU work is a dispatch: a recorded command buffer,
// a completion callback, and a wait-set of earlier dispatches. Dispatches
// live in bounded per-stage rings; a full ring is the system's sole
// backpressure mechanism, and the acquirer pumps device completions until
// an older dispatch retires.
//
// Ordering uses the device's submission timeline: every submission gets a
// monotonically increasing value, and waits are expressed as timeline
// values handed to the driver. A consumer of a dispatch that has not been
// submitted yet is parked and submitted by the pump once its producers
// reach the queue.
//
// Completion callbacks run on the single host thread that calls Pump, in
// strict per-stage FIFO order: a dispatch whose completion the device
// reports early is only marked done, and its callback and slot release
// wait until every older dispatch on the same ring has also completed.
package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/ring"
)

// ErrLost indicates an unrecoverable device failure. Every subsequent
// scheduler operation fails with it.
var ErrLost = errors.New("sched: context lost")

// errDispatchState indicates a dispatch was used outside its lifecycle.
var errDispatchState = errors.New("sched: invalid dispatch state")

// pumpTimeout bounds a single blocking wait on the device.
const pumpTimeout = 5 * time.Second

// Stage identifies a bounded dispatch ring. Each pipeline stage has its own
// concurrency bound.
type Stage int

const (
	// StageInit runs the one-shot block pool seeding dispatch.
	StageInit Stage = iota
	// StagePath runs path builder flushes.
	StagePath
	// StageRaster runs raster builder flushes.
	StageRaster
	// StagePlace runs composition place flushes.
	StagePlace
	// StageSort runs composition seal sort/segment dispatches.
	StageSort
	// StageRender runs render dispatches.
	StageRender
	// StageReclaim runs handle reclamation dispatches.
	StageReclaim
	// StageCount is the number of stages.
	StageCount
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StagePath:
		return "path"
	case StageRaster:
		return "raster"
	case StagePlace:
		return "place"
	case StageSort:
		return "sort"
	case StageRender:
		return "render"
	case StageReclaim:
		return "reclaim"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// State is a dispatch's lifecycle state.
type State int

const (
	// StateAcquired: slot reserved, command buffer empty.
	StateAcquired State = iota
	// StateRecording: commands are being recorded.
	StateRecording
	// StateSubmitted: handed to Submit; on the device queue, or parked
	// until its producers reach the queue.
	StateSubmitted
	// StateComplete: device completion reported and callback run.
	StateComplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateAcquired:
		return "acquired"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Config bounds per-stage concurrency.
type Config struct {
	// Depth is the dispatch ring capacity per stage. Zero entries take
	// DefaultDepth.
	Depth [StageCount]uint32
}

// DefaultDepth is the per-stage ring capacity when unconfigured.
const DefaultDepth = 4

// withDefaults fills zero depths.
func (c Config) withDefaults() Config {
	for i := range c.Depth {
		if c.Depth[i] == 0 {
			c.Depth[i] = DefaultDepth
		}
	}
	return c
}

// Dispatch is one bounded unit of recorded GPU work plus its completion
// bookkeeping.
type Dispatch struct {
	stage Stage
	seq   uint64
	state State

	cb    *driver.CommandBuffer
	waits []*Dispatch

	submitID driver.SubmitID
	// done marks device completion before the FIFO tail reaches this
	// dispatch; the callback has not run yet.
	done       bool
	onComplete func()
}

// Stage returns the owning stage.
func (d *Dispatch) Stage() Stage { return d.stage }

// State returns the lifecycle state.
func (d *Dispatch) State() State { return d.state }

// CommandBuffer returns the dispatch's recording, moving an acquired
// dispatch into the recording state.
func (d *Dispatch) CommandBuffer() *driver.CommandBuffer {
	if d.state == StateAcquired {
		d.state = StateRecording
	}
	return d.cb
}

// producerEntry links a handle to the dispatch that materializes it and the
// builder flush that submits that dispatch.
type producerEntry struct {
	d     *Dispatch
	flush func() error
}

// stageRing is one stage's bounded slot ring.
type stageRing struct {
	ring  *ring.Ring
	slots []*Dispatch
}

// Scheduler owns the per-stage dispatch rings, the producer table, and the
// completion pump. Not safe for concurrent use: the single host thread
// drives it.
type Scheduler struct {
	dev    driver.Device
	stages [StageCount]stageRing

	inflight  map[driver.SubmitID]*Dispatch
	parked    []*Dispatch
	producers map[uint32]producerEntry

	seq  uint64
	lost error
}

// New returns a scheduler over dev.
func New(dev driver.Device, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		dev:       dev,
		inflight:  make(map[driver.SubmitID]*Dispatch),
		producers: make(map[uint32]producerEntry),
	}
	for i := range s.stages {
		s.stages[i] = stageRing{
			ring:  ring.New(cfg.Depth[i]),
			slots: make([]*Dispatch, cfg.Depth[i]),
		}
	}
	return s
}

// Lost returns the terminal error, or nil while the scheduler is healthy.
func (s *Scheduler) Lost() error { return s.lost }

// fail records a device-fatal error.
func (s *Scheduler) fail(err error) error {
	if s.lost == nil {
		s.lost = fmt.Errorf("%w: %v", ErrLost, err)
		slogger().Error("sched: context lost", "error", err)
	}
	return s.lost
}

// InFlight returns the number of submitted, unretired dispatches.
func (s *Scheduler) InFlight() int { return len(s.inflight) + len(s.parked) }

// Acquire reserves a dispatch slot on a stage, pumping completions while
// the stage's ring is full.
func (s *Scheduler) Acquire(stage Stage) (*Dispatch, error) {
	if s.lost != nil {
		return nil, s.lost
	}
	sr := &s.stages[stage]
	for sr.ring.Available() == 0 {
		if err := s.Pump(true); err != nil {
			return nil, err
		}
	}
	idx, err := sr.ring.AcquireOne()
	if err != nil {
		return nil, err
	}
	s.seq++
	d := &Dispatch{
		stage: stage,
		seq:   s.seq,
		state: StateAcquired,
		cb:    driver.NewCommandBuffer(stage.String()),
	}
	sr.slots[idx] = d
	return d, nil
}

// HappensAfter orders d after before: d's submission will not execute until
// before has completed. Completed or nil predecessors are dropped.
func (s *Scheduler) HappensAfter(d, before *Dispatch) {
	if before == nil || before == d || before.state == StateComplete {
		return
	}
	d.waits = append(d.waits, before)
}

// RegisterProducer records that dispatch d materializes handle h. A nil d
// marks a handle staged in a builder before its flush dispatch exists; the
// flush closure must re-register the handle with the real dispatch and
// submit it when invoked. It is how a consumer forces a producer that has
// not been told to submit.
func (s *Scheduler) RegisterProducer(h uint32, d *Dispatch, flush func() error) {
	s.producers[h] = producerEntry{d: d, flush: flush}
}

// ClearProducer removes h's producer registration. Builders call it from
// the producing dispatch's completion callback.
func (s *Scheduler) ClearProducer(h uint32) {
	delete(s.producers, h)
}

// HappensAfterHandles orders d after the producer dispatch of every handle
// in handles, forcing unsubmitted producers to flush first. Handles without
// a registered producer are already materialized and impose no ordering.
func (s *Scheduler) HappensAfterHandles(d *Dispatch, handles []uint32) error {
	if s.lost != nil {
		return s.lost
	}
	for _, h := range handles {
		e, ok := s.producers[h]
		if !ok || e.d == d {
			continue
		}
		if e.d == nil || e.d.state < StateSubmitted {
			if err := e.flush(); err != nil {
				return err
			}
			// The flush rebinds staged handles to their dispatch.
			e = s.producers[h]
			if e.d == nil || e.d == d {
				continue
			}
		}
		s.HappensAfter(d, e.d)
	}
	return nil
}

// Abandon returns an acquired or recording dispatch that will never be
// submitted. Its slot frees in ring-tail order like a completion, so a
// failed flush cannot wedge its stage's ring.
func (s *Scheduler) Abandon(d *Dispatch) {
	if d == nil || d.state > StateRecording {
		return
	}
	d.done = true
	d.onComplete = nil
	s.advanceTails()
}

// Submit finalizes d with a completion callback and enqueues it. When every
// wait has reached the device queue the command buffer is submitted
// immediately; otherwise d is parked and submitted by the pump once its
// producers submit. The callback runs exactly once, from Pump, after every
// older dispatch on d's stage ring has completed.
func (s *Scheduler) Submit(d *Dispatch, onComplete func()) error {
	if s.lost != nil {
		return s.lost
	}
	if d.state != StateAcquired && d.state != StateRecording {
		return fmt.Errorf("%w: submit in state %s", errDispatchState, d.state)
	}
	d.onComplete = onComplete
	d.state = StateSubmitted
	return s.trySubmit(d)
}

// trySubmit submits d if all waits are on the device queue, parking it
// otherwise.
func (s *Scheduler) trySubmit(d *Dispatch) error {
	var waitIDs []driver.SubmitID
	for _, w := range d.waits {
		switch {
		case w.state == StateComplete:
			// Satisfied.
		case w.submitID != 0:
			waitIDs = append(waitIDs, w.submitID)
		default:
			s.parked = append(s.parked, d)
			slogger().Debug("sched: dispatch parked",
				"stage", d.stage.String(), "seq", d.seq)
			return nil
		}
	}

	id, err := s.dev.Submit(d.cb, waitIDs)
	if err != nil {
		return s.fail(err)
	}
	d.submitID = id
	s.inflight[id] = d
	slogger().Debug("sched: dispatch submitted",
		"stage", d.stage.String(), "seq", d.seq, "timeline", uint64(id), "waits", len(waitIDs))

	// A newly queued producer may unblock parked consumers.
	return s.retryParked()
}

// retryParked resubmits parked dispatches whose producers have since
// reached the queue.
func (s *Scheduler) retryParked() error {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(s.parked); i++ {
			d := s.parked[i]
			if !s.waitsQueued(d) {
				continue
			}
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			i--
			progress = true
			if err := s.trySubmit(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitsQueued reports whether every wait of d is submitted or complete.
func (s *Scheduler) waitsQueued(d *Dispatch) bool {
	for _, w := range d.waits {
		if w.state != StateComplete && w.submitID == 0 {
			return false
		}
	}
	return true
}

// Pump drains device completions and applies them. With block set it waits
// until at least one submission retires (bounded by an internal timeout);
// otherwise it only polls. Completion callbacks run here, on the calling
// thread, in per-stage FIFO order.
func (s *Scheduler) Pump(block bool) error {
	if s.lost != nil {
		return s.lost
	}
	var (
		ids []driver.SubmitID
		err error
	)
	if block {
		ids, err = s.dev.WaitAny(pumpTimeout)
	} else {
		ids, err = s.dev.Poll()
	}
	if err != nil {
		return s.fail(err)
	}
	for _, id := range ids {
		d, ok := s.inflight[id]
		if !ok {
			return s.fail(fmt.Errorf("unknown submission %d retired", id))
		}
		delete(s.inflight, id)
		d.done = true
	}
	s.advanceTails()
	return s.retryParked()
}

// advanceTails releases completed dispatches from each stage ring in strict
// tail order and runs their callbacks. A dispatch that completed out of
// order stays marked done until its predecessors retire.
func (s *Scheduler) advanceTails() {
	for st := range s.stages {
		sr := &s.stages[st]
		for sr.ring.Outstanding() > 0 {
			tail := sr.ring.Tail()
			d := sr.slots[tail]
			if d == nil || !d.done {
				break
			}
			sr.slots[tail] = nil
			// Release the slot before the callback so the callback can
			// acquire on the same stage.
			_ = sr.ring.Release(1)
			d.state = StateComplete
			cb := d.onComplete
			d.onComplete = nil
			if cb != nil {
				cb()
			}
		}
	}
}

// Drain pumps until every submitted dispatch has completed. Parked
// dispatches with unflushed producers cannot make progress and are reported
// as an error; callers flush builders before draining.
func (s *Scheduler) Drain() error {
	for {
		if s.lost != nil {
			return s.lost
		}
		if len(s.inflight) == 0 {
			if len(s.parked) > 0 {
				return fmt.Errorf("sched: drain with %d parked dispatches and no producers in flight", len(s.parked))
			}
			return nil
		}
		if err := s.Pump(true); err != nil {
			return err
		}
	}
}
