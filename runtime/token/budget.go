package token

import (
	"fmt"
	"sync"
)

// Budget tracks token allocation against a fixed total. Allocate only
// mutates the ledger when the request fits; ForceAllocate records an
// allocation unconditionally and may push usage past the total, leaving the
// caller responsible for the overrun. Budgets are safe for concurrent use.
type Budget struct {
	mu    sync.Mutex
	total int
	used  int
}

// NewBudget constructs a Budget with the given total capacity.
func NewBudget(total int) (*Budget, error) {
	if total < 0 {
		return nil, fmt.Errorf("token: budget total must be non-negative, got %d", total)
	}
	return &Budget{total: total}, nil
}

// Allocate reserves n tokens when used+n does not exceed the total and
// reports whether the reservation happened. Usage is unchanged on failure.
// Negative requests are rejected.
func (b *Budget) Allocate(n int) bool {
	if n < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+n > b.total {
		return false
	}
	b.used += n
	return true
}

// ForceAllocate reserves n tokens unconditionally. Negative requests are
// ignored.
func (b *Budget) ForceAllocate(n int) {
	if n < 0 {
		return
	}
	b.mu.Lock()
	b.used += n
	b.mu.Unlock()
}

// Used reports the tokens allocated so far.
func (b *Budget) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Total reports the budget capacity.
func (b *Budget) Total() int { return b.total }

// Remaining reports the unallocated capacity. A budget overrun via
// ForceAllocate reports zero, never a negative value.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used >= b.total {
		return 0
	}
	return b.total - b.used
}

// Reset returns the budget to zero usage.
func (b *Budget) Reset() {
	b.mu.Lock()
	b.used = 0
	b.mu.Unlock()
}
