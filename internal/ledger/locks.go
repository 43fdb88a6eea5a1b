package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// lockTable hands out one exclusive lock per account id. Locks are one-slot
// channels so that waiting can be bounded by a timer or a context.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) get(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// acquire locks ids in ascending order. It gives up with ErrBusy once timeout
// elapses (a zero timeout waits indefinitely) and with ctx.Err() on
// cancellation, releasing whatever it already holds in both cases.
func (t *lockTable) acquire(ctx context.Context, ids []string, timeout time.Duration) (func(), error) {
	ids = canonicalIDs(ids)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, id := range ids {
		ch := t.get(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-expired:
			release()
			return nil, fmt.Errorf("%w: lock wait on %s exceeded %s", ErrBusy, id, timeout)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	return release, nil
}
