package timer

import (
	"errors"
	"fmt"
)

var (
	ErrNegativeDelay = errors.New("negative timer delay")
	ErrForeignHandle = errors.New("timer handle belongs to another scheduler")
	ErrStaleHandle   = errors.New("timer already fired or cancelled")
)

// Task is the payload type used by the engine loop: a callback run once its
// timer fires.
type Task func()

// Handle is a non-owning reference to a scheduled timer. It stays valid until
// the timer fires or is cancelled; after that every operation on it sees a
// generation mismatch and treats it as stale.
type Handle struct {
	owner uint64
	index uint32
	gen   uint32
}

func (h Handle) IsZero() bool {
	return h.owner == 0
}

func (h Handle) String() string {
	if h.IsZero() {
		return "timer(none)"
	}
	return fmt.Sprintf("timer(%v:%v/%v)", h.owner, h.index, h.gen)
}
