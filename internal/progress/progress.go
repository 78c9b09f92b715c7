// Package progress implements the build's event bus (§4.5 "Progress"):
// each step registers an allocation of progress units (bytes for
// network steps, 1 for bounded steps), and child steps register
// sub-allocations through their parent's Sub. The bus total is the sum of
// every allocation registered, parent and child alike; a child's units
// are not taken out of its parent's.
package progress

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Update is one progress event, analogous to the (Complete, Total,
// Error) triple go-containerregistry's remote.Update carries, extended
// with a label identifying which allocation it belongs to.
type Update struct {
	Label    string
	Complete int64
	Total    int64
	Err      error
}

// Allocation is one step's share of the total progress space. A step
// reports Add as it makes progress; a Bus fans updates out to every
// registered consumer.
type Allocation struct {
	label string
	total int64
	done  int64
	bus   *Bus
}

// Add reports n additional units complete (n may be negative only for
// corrective bookkeeping, never in normal use).
func (a *Allocation) Add(n int64) {
	complete := atomic.AddInt64(&a.done, n)
	a.bus.publish(Update{Label: a.label, Complete: complete, Total: a.total})
}

// Fail reports a terminal error for this allocation; the bus forwards
// it to consumers but does not close the bus.
func (a *Allocation) Fail(err error) {
	a.bus.publish(Update{Label: a.label, Err: err})
}

// Sub registers a child allocation of total units under label on a's
// bus, for steps that fan out into their own sub-work (e.g. a multi-blob
// push with one sub-allocation per blob). The child is independent of a:
// its total is added to the bus total and is not deducted from a's.
func (a *Allocation) Sub(label string, total int64) *Allocation {
	return a.bus.Allocate(label, total)
}

// Bus fans progress updates out to every registered consumer. The zero
// value is ready to use.
type Bus struct {
	mu        sync.Mutex
	consumers []chan<- Update
	total     int64
}

// NewBus returns a ready Bus.
func NewBus() *Bus { return &Bus{} }

// Allocate registers a new top-level (or, via Allocation.Sub, nested)
// allocation of total units under label.
func (b *Bus) Allocate(label string, total int64) *Allocation {
	b.mu.Lock()
	b.total += total
	b.mu.Unlock()
	return &Allocation{label: label, total: total, bus: b}
}

// Subscribe registers ch to receive every future update. Consumers must
// drain ch promptly; publish drops updates for a full channel rather
// than blocking the build.
func (b *Bus) Subscribe(ch chan<- Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, ch)
}

func (b *Bus) publish(u Update) {
	b.mu.Lock()
	consumers := append([]chan<- Update(nil), b.consumers...)
	b.mu.Unlock()
	for _, ch := range consumers {
		select {
		case ch <- u:
		default:
		}
	}
}

// Total returns the sum of every allocation registered so far.
func (b *Bus) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// StderrConsumer drains updates and prints a rate-limited progress line
// to stderr, clearing the line on completion (grounded on the
// teacher's own progressPrinter: \033[K line-clear, 10ms rate limit,
// percentage + absolute counts).
func StderrConsumer(updates <-chan Update) {
	var lastPrint time.Time
	for u := range updates {
		if u.Err != nil {
			fmt.Fprintf(os.Stderr, "\033[Kerror: %s: %v\n", u.Label, u.Err)
			continue
		}
		if time.Since(lastPrint) < 10*time.Millisecond {
			continue
		}
		if u.Total > 0 {
			pct := float64(u.Complete) / float64(u.Total) * 100
			fmt.Fprintf(os.Stderr, "\033[K%s: %.1f%% (%d/%d)\r", u.Label, pct, u.Complete, u.Total)
		} else {
			fmt.Fprintf(os.Stderr, "\033[K%s: %d\r", u.Label, u.Complete)
		}
		lastPrint = time.Now()
	}
	fmt.Fprint(os.Stderr, "\033[K")
}
