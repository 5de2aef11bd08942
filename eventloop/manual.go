package eventloop

import (
	"container/heap"
	"sync"
	"time"
)

// Manual is a deterministic Loop with a virtual clock. Nothing runs until
// Flush or Advance is called, which makes timer races reproducible.
//
// Post may be called from any goroutine; everything else belongs to the
// goroutine driving the loop.
type Manual struct {
	now    time.Time
	seq    uint64
	timers timerHeap
	jitter func() time.Duration

	mu    sync.Mutex
	queue []func()
}

var _ Loop = (*Manual)(nil)

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// SetJitter adds the returned delay to every timer scheduled from now on.
func (m *Manual) SetJitter(fn func() time.Duration) {
	m.jitter = fn
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, fn)
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	if m.jitter != nil {
		d += m.jitter()
	}
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	heap.Push(&m.timers, t)
	return t
}

// Async defers work until the next drain, so an operation stays in flight
// between the call and Flush.
func (m *Manual) Async(work func(), then func()) {
	m.Post(func() {
		work()
		m.Post(then)
	})
}

// Flush runs queued callbacks, including those they post, until the queue
// is empty.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// flushing after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.Flush()

	for m.timers.Len() > 0 {
		next := m.timers[0]
		if next.at.After(target) {
			break
		}
		heap.Pop(&m.timers)
		if next.stopped {
			continue
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		next.fired = true
		next.fn()
		m.Flush()
	}

	m.now = target
}

// PendingTimers counts timers that are scheduled and not stopped.
func (m *Manual) PendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTimer struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
	index   int
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type timerHeap []*manualTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
