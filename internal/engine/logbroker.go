package engine

import "sync"

const (
	// subscriberBuffer is the channel buffer per subscriber. A subscriber
	// that falls this far behind misses lines.
	subscriberBuffer = 64

	// replayLines is how many recent lines a subscriber joining a running
	// execution receives first.
	replayLines = 32

	// finishedRetention bounds how many finished executions keep a closed
	// marker.
	finishedRetention = 256
)

// LogBroker fans out the output lines of running executions. It is safe for
// concurrent use.
//
// A subscriber that arrives after its execution finished gets a closed
// channel, as long as the execution is among the last finishedRetention
// to finish. Older executions look unknown and their subscribers wait for a
// Close that never comes, so callers check the stored status first.
type LogBroker struct {
	mu       sync.Mutex
	runs     map[string]*runLog
	finished []string
}

type runLog struct {
	subs   map[int]chan string
	next   int
	recent []string
	done   bool
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{runs: make(map[string]*runLog)}
}

func (b *LogBroker) run(id string) *runLog {
	r, ok := b.runs[id]
	if !ok {
		r = &runLog{subs: make(map[int]chan string)}
		b.runs[id] = r
	}
	return r
}

// Subscribe returns the lines of an execution, starting with up to
// replayLines recent ones, and a func that cancels the subscription. The
// channel is closed when the execution finishes.
func (b *LogBroker) Subscribe(id string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.run(id)
	ch := make(chan string, subscriberBuffer)
	if r.done {
		close(ch)
		return ch, func() {}
	}
	for _, line := range r.recent {
		ch <- line
	}

	n := r.next
	r.next++
	r.subs[n] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := r.subs[n]; ok {
			delete(r.subs, n)
			close(sub)
		}
	}
}

// Publish hands a line to every subscriber without blocking.
func (b *LogBroker) Publish(id, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.run(id)
	if r.done {
		return
	}
	if len(r.recent) == replayLines {
		r.recent = append(r.recent[:0], r.recent[1:]...)
	}
	r.recent = append(r.recent, line)
	for _, ch := range r.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close marks an execution finished and closes its subscriber channels.
func (b *LogBroker) Close(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.run(id)
	if r.done {
		return
	}
	r.done = true
	r.recent = nil
	for n, ch := range r.subs {
		close(ch)
		delete(r.subs, n)
	}

	b.finished = append(b.finished, id)
	if len(b.finished) > finishedRetention {
		delete(b.runs, b.finished[0])
		b.finished = b.finished[1:]
	}
}
