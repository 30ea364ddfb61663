package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrDispatcherBusy is returned when the intake queue is full.
var ErrDispatcherBusy = errors.New("import queue is full")

// ErrDispatcherStopped is returned after Stop.
var ErrDispatcherStopped = errors.New("import dispatcher stopped")

type chatQueue struct {
	jobs     []Job
	enqueued bool // chat is in the ready list
	running  bool // a job of this chat holds a worker
}

// DispatcherConfig sizes the worker pool and the intake queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Dispatcher hands jobs to workers round-robin across chats. Jobs of the
// same chat run one at a time, in submission order.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for outer jobs
	log      *zap.Logger
	execute  func(Job)

	mu        sync.Mutex
	queues    map[int64]*chatQueue // pending jobs of each chat
	ready     *list.List           // chat IDs with a dispatchable job
	positions map[int64]*list.Element
	pending   int
	limit     int
	stopped   bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, execute func(Job), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		JobQueue:  make(chan Job, cfg.QueueSize),
		log:       logger,
		execute:   execute,
		queues:    make(map[int64]*chatQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		limit:     cfg.QueueSize,
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, d.runJob)

	// warm up the minimum number of workers
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job. It fails fast when QueueSize jobs are already
// waiting or running.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if d.dispatchOne() {
			// take in a new job without blocking
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	chatID := job.chatID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		d.queues[chatID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		// picked up when the chat reaches the front or its running job ends
		return
	}
	q.enqueued = true
	d.positions[chatID] = d.ready.PushBack(chatID)
}

// dispatchOne takes the next job of the chat at the front of the ready
// list and hands it to a worker. The chat leaves the list until the job
// finishes.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	chatID := elem.Value.(int64)
	q := d.queues[chatID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, chatID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		// pool closed; leave the job for Stop to hand back
		d.mu.Lock()
		q.jobs = append([]Job{job}, q.jobs...)
		q.running = false
		d.mu.Unlock()
		return false
	}
	d.log.Debug("dispatch import job", zap.String("job_id", job.ID), zap.Int64("chat_id", chatID))
	workerChan <- job
	return true
}

func (d *Dispatcher) runJob(job Job) {
	defer d.finish(job)
	d.execute(job)
}

// finish releases the chat so its next job, if any, can be dispatched.
func (d *Dispatcher) finish(job Job) {
	chatID := job.chatID()

	d.mu.Lock()
	d.pending--
	if q := d.queues[chatID]; q != nil {
		q.running = false
		switch {
		case len(q.jobs) > 0 && !q.enqueued:
			q.enqueued = true
			d.positions[chatID] = d.ready.PushBack(chatID)
		case len(q.jobs) == 0:
			delete(d.queues, chatID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop stops accepting jobs, waits for the dispatch loop to exit and
// winds the pool down. Jobs still queued are returned to the caller.
func (d *Dispatcher) Stop() []Job {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.quit)
	d.pool.close()
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	var dropped []Job
	for {
		select {
		case job := <-d.JobQueue:
			dropped = append(dropped, job)
			continue
		default:
		}
		break
	}
	for _, q := range d.queues {
		dropped = append(dropped, q.jobs...)
		q.jobs = nil
	}
	d.ready.Init()
	d.positions = make(map[int64]*list.Element)
	return dropped
}
