package plume

import (
	"errors"
	"fmt"

	"github.com/gogpu/plume/driver"
	"github.com/gogpu/plume/internal/handlepool"
	"github.com/gogpu/plume/internal/sched"
)

// Sentinel errors returned by plume operations. Validation always
// precedes mutation: an error from any operation except the
// context-lost class leaves pool and builder state unchanged.
var (
	// ErrContextLost indicates an unrecoverable device or submission
	// failure. Every subsequent operation on the context fails with it.
	ErrContextLost = errors.New("plume: context lost")

	// ErrCapacity indicates a ring or pool could not accept the
	// requested batch. Recoverable by releasing or flushing work.
	ErrCapacity = errors.New("plume: capacity exceeded")

	// ErrHandleInvalid indicates an out-of-range or dead handle in a
	// batch. The whole batch is rejected without partial mutation.
	ErrHandleInvalid = errors.New("plume: invalid handle")

	// ErrHandleOverflow indicates a reference count at its maximum.
	ErrHandleOverflow = errors.New("plume: reference count overflow")

	// ErrStateSealed indicates an operation that is illegal on a
	// sealed or sealing object, such as placing into a sealed
	// composition.
	ErrStateSealed = errors.New("plume: sealed")

	// ErrStateInvalid indicates an operation outside an object's
	// current state, such as a path command without Begin.
	ErrStateInvalid = errors.New("plume: invalid state")

	// ErrProducerLost indicates a builder that overflowed its command
	// ring with a single logical unit of work. The builder rejects all
	// further operations; release it and create a new one.
	ErrProducerLost = errors.New("plume: producer lost")

	// ErrPoolExhausted indicates a handle acquisition found no free
	// handle and nothing in flight to reclaim.
	ErrPoolExhausted = errors.New("plume: pool exhausted")

	// ErrReleased indicates use of an object after its Release.
	ErrReleased = errors.New("plume: released")
)

// remap translates internal sentinel errors into the public taxonomy.
// Errors already in the public taxonomy pass through unchanged.
func remap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sched.ErrLost), errors.Is(err, driver.ErrDeviceLost):
		return fmt.Errorf("%w: %v", ErrContextLost, err)
	case errors.Is(err, handlepool.ErrOverflow):
		return fmt.Errorf("%w: %v", ErrHandleOverflow, err)
	case errors.Is(err, handlepool.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrHandleInvalid, err)
	case errors.Is(err, handlepool.ErrExhausted):
		return fmt.Errorf("%w: %v", ErrPoolExhausted, err)
	default:
		return err
	}
}
