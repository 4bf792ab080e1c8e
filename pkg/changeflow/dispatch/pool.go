package dispatch

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/randalmurphal/changeflow/pkg/changeflow/event"
	"github.com/randalmurphal/changeflow/pkg/changeflow/observability"
	"github.com/randalmurphal/changeflow/pkg/changeflow/tenant"
)

// ErrPoolClosed is returned when submitting to a stopped pool.
var ErrPoolClosed = errors.New("dispatch: pool closed")

// Job asks for one dispatch attempt of an event.
type Job struct {
	EventID int64
	Tenant  tenant.Handle

	// Key selects the lane. Jobs with the same key run one at a time, in
	// submission order.
	Key string

	// write is set when the job retries saving an outcome instead of
	// dispatching the event.
	write *outcome
}

// JobFor returns the job for ev, keyed by its entity.
func JobFor(ev *event.Event) Job {
	return Job{
		EventID: ev.ID,
		Tenant:  ev.Tenant,
		Key:     ev.EntityType + ":" + strconv.FormatInt(ev.EntityID, 10),
	}
}

// Pool runs jobs on a fixed number of serial lanes. Submission never
// blocks: each lane has an unbounded FIFO queue.
type Pool struct {
	lanes   []*lane
	run     func(ctx context.Context, job Job)
	metrics observability.MetricsRecorder

	mu      sync.Mutex
	started bool
	closed  bool
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
}

type lane struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Job
	closed bool
}

// NewPool creates a pool with workers lanes that hands each job to run.
func NewPool(workers int, run func(ctx context.Context, job Job), metrics observability.MetricsRecorder) *Pool {
	if workers < 1 {
		workers = 1
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	p := &Pool{
		lanes:   make([]*lane, workers),
		run:     run,
		metrics: metrics,
		timers:  make(map[*time.Timer]struct{}),
	}
	for i := range p.lanes {
		l := &lane{}
		l.cond = sync.NewCond(&l.mu)
		p.lanes[i] = l
	}
	return p
}

// Workers returns the number of lanes.
func (p *Pool) Workers() int { return len(p.lanes) }

// Lane returns the lane index for a key.
func (p *Pool) Lane(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

// Start launches the lane goroutines. Jobs submitted before Start wait in
// their lanes. Start is a no-op after the first call.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for _, l := range p.lanes {
		p.wg.Add(1)
		go p.work(ctx, l)
	}
}

func (p *Pool) work(ctx context.Context, l *lane) {
	defer p.wg.Done()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		job := l.queue[0]
		l.queue[0] = Job{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		p.metrics.RecordQueued(ctx, -1)
		p.run(ctx, job)
	}
}

// Submit queues job on its lane.
func (p *Pool) Submit(job Job) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolClosed
	}

	l := p.lanes[p.Lane(job.Key)]
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrPoolClosed
	}
	l.queue = append(l.queue, job)
	l.mu.Unlock()
	l.cond.Signal()
	p.metrics.RecordQueued(context.Background(), 1)
	return nil
}

// SubmitAfter queues job once delay has passed. onDrop runs if the pool is
// stopped before the job could be queued.
func (p *Pool) SubmitAfter(job Job, delay time.Duration, onDrop func()) error {
	if delay <= 0 {
		return p.Submit(job)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		_, pending := p.timers[t]
		delete(p.timers, t)
		p.mu.Unlock()
		if !pending {
			return
		}
		if err := p.Submit(job); err != nil && onDrop != nil {
			onDrop()
		}
	})
	p.timers[t] = struct{}{}
	return nil
}

// Queued returns the number of jobs waiting in lanes.
func (p *Pool) Queued() int {
	n := 0
	for _, l := range p.lanes {
		l.mu.Lock()
		n += len(l.queue)
		l.mu.Unlock()
	}
	return n
}

// Stop stops accepting jobs, cancels delayed submissions, waits for running
// jobs to finish, and returns how many queued jobs were dropped.
func (p *Pool) Stop() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	dropped := len(p.timers)
	p.timers = nil
	p.mu.Unlock()

	for _, l := range p.lanes {
		l.mu.Lock()
		l.closed = true
		dropped += len(l.queue)
		if n := len(l.queue); n > 0 {
			p.metrics.RecordQueued(context.Background(), -int64(n))
		}
		l.queue = nil
		l.mu.Unlock()
		l.cond.Broadcast()
	}
	p.wg.Wait()
	return dropped
}
