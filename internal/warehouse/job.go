package warehouse

import (
	"errors"
	"sync"

	"github.com/cartodb/observatory-cli/internal/frame"
)

// AsyncJob is a Job completed by whoever runs the query. Warehouse
// implementations and test fakes share it.
type AsyncJob struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	finished  bool
	result    *frame.Frame
	errs      []error
	callbacks []func(Job)
}

// NewJob returns a pending job.
func NewJob(id string) *AsyncJob {
	return &AsyncJob{id: id, done: make(chan struct{})}
}

func (j *AsyncJob) ID() string { return j.id }

func (j *AsyncJob) Done() <-chan struct{} { return j.done }

// Finish moves the job to its terminal state and fires the callbacks.
// Nil errors are ignored; a job finished with no errors succeeded.
// Only the first call has any effect.
func (j *AsyncJob) Finish(result *frame.Frame, errs ...error) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	j.result = result
	for _, err := range errs {
		if err != nil {
			j.errs = append(j.errs, err)
		}
	}
	callbacks := j.callbacks
	j.callbacks = nil
	close(j.done)
	j.mu.Unlock()

	for _, cb := range callbacks {
		cb(j)
	}
}

func (j *AsyncJob) OnDone(cb func(Job)) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		cb(j)
		return
	}
	j.callbacks = append(j.callbacks, cb)
	j.mu.Unlock()
}

func (j *AsyncJob) Errors() []error {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]error, len(j.errs))
	copy(out, j.errs)
	return out
}

func (j *AsyncJob) Result() (*frame.Frame, error) {
	<-j.done
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.errs) > 0 {
		return nil, errors.Join(j.errs...)
	}
	return j.result, nil
}
