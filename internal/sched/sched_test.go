package sched

import (
	"errors"
	"testing"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/driver/drivertest"
)

func newTestScheduler() (*Scheduler, *drivertest.Device) {
	dev := drivertest.New()
	return New(dev, Config{}), dev
}

func TestDispatchLifecycle(t *testing.T) {
	s, dev := newTestScheduler()

	d, err := s.Acquire(StagePath)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if got := d.State(); got != StateAcquired {
		t.Errorf("State() = %s, want %s", got, StateAcquired)
	}

	d.CommandBuffer().Dispatch(driver.Dispatch{
		Kernel:   driver.KernelPathBuild,
		Groups:   1,
		Bindings: make([]driver.Binding, driver.StorageBindings(driver.KernelPathBuild)),
	})
	if got := d.State(); got != StateRecording {
		t.Errorf("State() after recording = %s, want %s", got, StateRecording)
	}

	calls := 0
	if err := s.Submit(d, func() { calls++ }); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if got := d.State(); got != StateSubmitted {
		t.Errorf("State() after submit = %s, want %s", got, StateSubmitted)
	}

	if err := s.Pump(false); err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if got := d.State(); got != StateComplete {
		t.Errorf("State() after pump = %s, want %s", got, StateComplete)
	}
	if calls != 1 {
		t.Errorf("completion callback ran %d times, want 1", calls)
	}
	if got := dev.KernelDispatches(driver.KernelPathBuild); got != 1 {
		t.Errorf("KernelDispatches(path_build) = %d, want 1", got)
	}
}

func TestDoubleSubmitRejected(t *testing.T) {
	s, _ := newTestScheduler()
	d, err := s.Acquire(StagePath)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := s.Submit(d, nil); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := s.Submit(d, nil); err == nil {
		t.Error("second Submit() succeeded, want state error")
	}
}

// TestOutOfOrderCompletion verifies the FIFO release guarantee: when a
// younger dispatch completes before an older one on the same ring, its
// callback is deferred until the older one also completes.
func TestOutOfOrderCompletion(t *testing.T) {
	s, dev := newTestScheduler()
	dev.AutoComplete = false

	var order []int
	d1, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d1) error: %v", err)
	}
	if err := s.Submit(d1, func() { order = append(order, 1) }); err != nil {
		t.Fatalf("Submit(d1) error: %v", err)
	}
	d2, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d2) error: %v", err)
	}
	if err := s.Submit(d2, func() { order = append(order, 2) }); err != nil {
		t.Fatalf("Submit(d2) error: %v", err)
	}

	// Device retires the younger dispatch first.
	if err := dev.Complete(2); err != nil {
		t.Fatalf("Complete(2) error: %v", err)
	}
	if err := s.Pump(false); err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if len(order) != 0 {
		t.Fatalf("callbacks ran before the older dispatch completed: %v", order)
	}
	if got := d2.State(); got != StateSubmitted {
		t.Errorf("d2.State() = %s, want %s (release deferred)", got, StateSubmitted)
	}

	if err := dev.Complete(1); err != nil {
		t.Fatalf("Complete(1) error: %v", err)
	}
	if err := s.Pump(false); err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callback order = %v, want [1 2]", order)
	}
}

// TestAcquireBackpressure verifies that a full stage ring blocks the
// acquirer in the completion pump rather than failing.
func TestAcquireBackpressure(t *testing.T) {
	dev := drivertest.New()
	dev.AutoComplete = false
	cfg := Config{}
	cfg.Depth[StageSort] = 1
	s := New(dev, cfg)

	d1, err := s.Acquire(StageSort)
	if err != nil {
		t.Fatalf("Acquire(d1) error: %v", err)
	}
	completed := false
	if err := s.Submit(d1, func() { completed = true }); err != nil {
		t.Fatalf("Submit(d1) error: %v", err)
	}

	// The ring is full; the second acquire must pump. The device completes
	// d1 only when the scheduler actually waits.
	dev.OnWait = func() { dev.CompleteAll() }
	d2, err := s.Acquire(StageSort)
	if err != nil {
		t.Fatalf("Acquire(d2) error: %v", err)
	}
	if !completed {
		t.Error("older dispatch callback did not run during backpressure pump")
	}
	if d2 == d1 {
		t.Error("Acquire returned the same dispatch twice")
	}
}

// TestAbandonReleasesSlot verifies an acquired dispatch that is never
// submitted returns its slot, so a failed flush cannot wedge the stage.
func TestAbandonReleasesSlot(t *testing.T) {
	dev := drivertest.New()
	dev.AutoComplete = false
	cfg := Config{}
	cfg.Depth[StagePlace] = 2
	s := New(dev, cfg)

	// Abandon at the ring tail frees the slot immediately.
	d1, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d1) error: %v", err)
	}
	s.Abandon(d1)
	if got := d1.State(); got != StateComplete {
		t.Errorf("d1.State() after abandon = %s, want %s", got, StateComplete)
	}

	d2, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d2) error: %v", err)
	}
	if err := s.Submit(d2, nil); err != nil {
		t.Fatalf("Submit(d2) error: %v", err)
	}

	// Abandoning behind an in-flight dispatch frees the slot once the
	// older one retires.
	d3, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d3) error: %v", err)
	}
	s.Abandon(d3)
	dev.CompleteAll()
	if err := s.Pump(false); err != nil {
		t.Fatalf("Pump() error: %v", err)
	}

	// Both slots are back; acquiring twice must not pump.
	for i := 0; i < 2; i++ {
		if _, err := s.Acquire(StagePlace); err != nil {
			t.Fatalf("Acquire(%d) after abandons error: %v", i, err)
		}
	}
	if got := len(dev.Submissions()); got != 1 {
		t.Errorf("len(Submissions()) = %d, want 1 (abandoned dispatches never submitted)", got)
	}
}

func TestHappensAfter(t *testing.T) {
	s, dev := newTestScheduler()

	d1, err := s.Acquire(StagePlace)
	if err != nil {
		t.Fatalf("Acquire(d1) error: %v", err)
	}
	if err := s.Submit(d1, nil); err != nil {
		t.Fatalf("Submit(d1) error: %v", err)
	}

	d2, err := s.Acquire(StageSort)
	if err != nil {
		t.Fatalf("Acquire(d2) error: %v", err)
	}
	s.HappensAfter(d2, d1)
	if err := s.Submit(d2, nil); err != nil {
		t.Fatalf("Submit(d2) error: %v", err)
	}

	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("len(Submissions()) = %d, want 2", len(subs))
	}
	if len(subs[1].Waits) != 1 || subs[1].Waits[0] != subs[0].ID {
		t.Errorf("d2 waits = %v, want [%d]", subs[1].Waits, subs[0].ID)
	}
}

// TestHappensAfterHandles verifies that a consumer referencing a handle
// whose producer has not submitted forces the producer to flush.
func TestHappensAfterHandles(t *testing.T) {
	s, dev := newTestScheduler()

	const handle = uint32(7)
	producer, err := s.Acquire(StagePath)
	if err != nil {
		t.Fatalf("Acquire(producer) error: %v", err)
	}
	flushed := false
	s.RegisterProducer(handle, producer, func() error {
		flushed = true
		return s.Submit(producer, func() { s.ClearProducer(handle) })
	})

	consumer, err := s.Acquire(StageRaster)
	if err != nil {
		t.Fatalf("Acquire(consumer) error: %v", err)
	}
	if err := s.HappensAfterHandles(consumer, []uint32{handle}); err != nil {
		t.Fatalf("HappensAfterHandles() error: %v", err)
	}
	if !flushed {
		t.Fatal("producer was not forced to flush")
	}
	if err := s.Submit(consumer, nil); err != nil {
		t.Fatalf("Submit(consumer) error: %v", err)
	}

	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("len(Submissions()) = %d, want 2", len(subs))
	}
	if len(subs[1].Waits) != 1 || subs[1].Waits[0] != subs[0].ID {
		t.Errorf("consumer waits = %v, want [%d]", subs[1].Waits, subs[0].ID)
	}

	// After the producer completes, the handle no longer orders anyone.
	if err := s.Pump(false); err != nil {
		t.Fatalf("Pump() error: %v", err)
	}
	d3, err := s.Acquire(StageRaster)
	if err != nil {
		t.Fatalf("Acquire(d3) error: %v", err)
	}
	if err := s.HappensAfterHandles(d3, []uint32{handle}); err != nil {
		t.Fatalf("HappensAfterHandles() after completion error: %v", err)
	}
	if err := s.Submit(d3, nil); err != nil {
		t.Fatalf("Submit(d3) error: %v", err)
	}
	subs = dev.Submissions()
	if got := len(subs[2].Waits); got != 0 {
		t.Errorf("d3 waits = %d, want 0", got)
	}
}

// TestParkedSubmission verifies delayed submission: a dispatch submitted
// while its producer is still recording reaches the device only after the
// producer does, with the wait attached.
func TestParkedSubmission(t *testing.T) {
	s, dev := newTestScheduler()

	producer, err := s.Acquire(StagePath)
	if err != nil {
		t.Fatalf("Acquire(producer) error: %v", err)
	}
	consumer, err := s.Acquire(StageRender)
	if err != nil {
		t.Fatalf("Acquire(consumer) error: %v", err)
	}
	s.HappensAfter(consumer, producer)

	if err := s.Submit(consumer, nil); err != nil {
		t.Fatalf("Submit(consumer) error: %v", err)
	}
	if got := len(dev.Submissions()); got != 0 {
		t.Fatalf("consumer reached the device before its producer: %d submissions", got)
	}

	if err := s.Submit(producer, nil); err != nil {
		t.Fatalf("Submit(producer) error: %v", err)
	}
	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("len(Submissions()) = %d, want 2", len(subs))
	}
	if subs[0].Label != "path" || subs[1].Label != "render" {
		t.Errorf("submission order = [%s %s], want [path render]", subs[0].Label, subs[1].Label)
	}
	if len(subs[1].Waits) != 1 || subs[1].Waits[0] != subs[0].ID {
		t.Errorf("consumer waits = %v, want [%d]", subs[1].Waits, subs[0].ID)
	}
}

func TestDrain(t *testing.T) {
	s, _ := newTestScheduler()

	done := 0
	for i := 0; i < 3; i++ {
		d, err := s.Acquire(StagePlace)
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		if err := s.Submit(d, func() { done++ }); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	if err := s.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if done != 3 {
		t.Errorf("completions after drain = %d, want 3", done)
	}
	if got := s.InFlight(); got != 0 {
		t.Errorf("InFlight() after drain = %d, want 0", got)
	}
}

func TestDeviceFatal(t *testing.T) {
	s, dev := newTestScheduler()
	dev.FailSubmit = errors.New("boom")

	d, err := s.Acquire(StagePath)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if err := s.Submit(d, nil); !errors.Is(err, ErrLost) {
		t.Fatalf("Submit() error = %v, want ErrLost", err)
	}

	// Every subsequent operation fails.
	if _, err := s.Acquire(StagePath); !errors.Is(err, ErrLost) {
		t.Errorf("Acquire() after loss error = %v, want ErrLost", err)
	}
	if err := s.Pump(false); !errors.Is(err, ErrLost) {
		t.Errorf("Pump() after loss error = %v, want ErrLost", err)
	}
	if err := s.Drain(); !errors.Is(err, ErrLost) {
		t.Errorf("Drain() after loss error = %v, want ErrLost", err)
	}
}

// TestCallbackEnqueuesDispatch verifies a completion callback may itself
// acquire and submit on the stage whose slot it just released.
func TestCallbackEnqueuesDispatch(t *testing.T) {
	dev := drivertest.New()
	cfg := Config{}
	cfg.Depth[StageReclaim] = 1
	s := New(dev, cfg)

	chained := false
	d1, err := s.Acquire(StageReclaim)
	if err != nil {
		t.Fatalf("Acquire(d1) error: %v", err)
	}
	err = s.Submit(d1, func() {
		d2, acqErr := s.Acquire(StageReclaim)
		if acqErr != nil {
			t.Errorf("Acquire in callback error: %v", acqErr)
			return
		}
		if subErr := s.Submit(d2, func() { chained = true }); subErr != nil {
			t.Errorf("Submit in callback error: %v", subErr)
		}
	})
	if err != nil {
		t.Fatalf("Submit(d1) error: %v", err)
	}

	if err := s.Drain(); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if !chained {
		t.Error("chained dispatch did not complete")
	}
}
