package chat

import (
	"context"
	"runtime/debug"
)

const jobQueueSize = 64

// job runs a persistence step off the ChatServer loop and returns the function
// that applies its result on the loop, or nil if there is nothing to apply.
type job func(ctx context.Context) func()

type completion struct {
	room  string
	apply func()
}

// roomWorker runs the persistence jobs of one room in FIFO order, so the order
// in which messages are saved is the order in which they are broadcast.
type roomWorker struct {
	room string
	jobs chan job
	// pending counts jobs that were queued but not completed on the loop.
	pending int
}

func (cs *ChatServer) startWorker(room string) *roomWorker {
	w := &roomWorker{
		room: room,
		jobs: make(chan job, jobQueueSize),
	}
	cs.workers[room] = w
	cs.workersWG.Add(1)
	go w.run(cs)

	cs.stats.Incr(metricRoomWorkers)
	cs.log.Printf("started worker for room %q", room)
	return w
}

func (w *roomWorker) run(cs *ChatServer) {
	defer cs.workersWG.Done()
	for j := range w.jobs {
		cs.completions <- completion{room: w.room, apply: cs.runJob(w.room, j)}
	}
}

func (cs *ChatServer) runJob(room string, j job) (apply func()) {
	ctx, cancel := context.WithTimeout(context.Background(), cs.opTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("recovered from panic in job for room %q: %v\n%s", room, r, debug.Stack())
			apply = nil
		}
	}()

	return j(ctx)
}

// enqueue queues j on the worker of room, starting one if needed. It never
// blocks and reports false if the queue is full or the server is stopping.
func (cs *ChatServer) enqueue(room string, j job) bool {
	if cs.stopping {
		return false
	}

	w, ok := cs.workers[room]
	if !ok {
		w = cs.startWorker(room)
	}

	select {
	case w.jobs <- j:
		w.pending++
		return true
	default:
		cs.log.Printf("job queue full for room %q", room)
		return false
	}
}

func (cs *ChatServer) complete(c completion) {
	cs.apply(c)

	w, ok := cs.workers[c.room]
	if !ok {
		return
	}
	w.pending--
	cs.maybeStopWorker(w)
}

func (cs *ChatServer) apply(c completion) {
	if c.apply == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			cs.log.Printf("recovered from panic completing job for room %q: %v\n%s", c.room, r, debug.Stack())
		}
	}()
	c.apply()
}

// maybeStopWorker stops the worker of a room that has no members and no
// pending jobs.
func (cs *ChatServer) maybeStopWorker(w *roomWorker) {
	if cs.stopping || w.pending > 0 || cs.directory.Count(w.room) > 0 {
		return
	}
	cs.stopWorker(w)
}

func (cs *ChatServer) stopWorker(w *roomWorker) {
	close(w.jobs)
	delete(cs.workers, w.room)
	cs.stats.Decr(metricRoomWorkers)
	cs.log.Printf("stopped worker for room %q", w.room)
}
