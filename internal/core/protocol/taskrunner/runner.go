// Package taskrunner provides the sequential step executor driving the trade
// protocol: an ordered chain of tasks where each task signals exactly one of
// Complete or Failed before the runner moves on, and a failure aborts the
// remaining chain.
package taskrunner

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"sync"
)

// Task is a single protocol step. Run must arrange for exactly one of
// h.Complete or h.Failed to be invoked; the invocation may happen after Run
// returned, from a gateway callback on another goroutine.
type Task interface {
	Name() string
	Run(h Handle)
}

// Handle is the per-task channel back to the runner.
type Handle interface {
	// Complete advances the runner to the next task in the chain.
	Complete()
	// Failed aborts the remaining chain. Side effects already committed by
	// prior tasks are not rolled back; compensation is the task's own
	// responsibility.
	Failed(err error)
	// InsertNext schedules additional tasks ahead of the remaining queue,
	// used when a task determines follow-up steps from message content.
	InsertNext(tasks ...Task)
}

// Interceptor is invoked before each task runs; returning false halts the
// chain without marking failure. Primarily used to pause execution in tests.
type Interceptor func(taskName string) bool

// Runner executes tasks strictly in sequence. It holds no business state
// beyond its position in the chain; the tasks own all side effects.
type Runner struct {
	mu          sync.Mutex
	queue       []Task
	failed      bool
	halted      bool
	done        bool
	interceptor Interceptor
	onComplete  func()
	onFailed    func(err error)
}

// New returns a runner over the given chain. onComplete fires when the last
// task completed, onFailed when any task failed; either may be nil.
func New(onComplete func(), onFailed func(err error), tasks ...Task) *Runner {
	return &Runner{
		queue:      tasks,
		onComplete: onComplete,
		onFailed:   onFailed,
	}
}

// SetInterceptor installs the pre-task hook. Must be called before Start.
func (r *Runner) SetInterceptor(i Interceptor) {
	r.interceptor = i
}

// Start begins executing the chain. It returns once the chain is done,
// failed, halted, or parked waiting for an asynchronous task completion.
func (r *Runner) Start() {
	r.runNext()
}

// Halted reports whether the interceptor stopped the chain.
func (r *Runner) Halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halted
}

func (r *Runner) runNext() {
	r.mu.Lock()
	if r.failed || r.halted || r.done {
		r.mu.Unlock()
		return
	}
	if len(r.queue) == 0 {
		r.done = true
		r.mu.Unlock()
		if r.onComplete != nil {
			r.onComplete()
		}
		return
	}
	task := r.queue[0]
	r.queue = r.queue[1:]
	if r.interceptor != nil && !r.interceptor(task.Name()) {
		r.halted = true
		r.mu.Unlock()
		log.Debugf("task chain halted by interceptor before %s", task.Name())
		return
	}
	h := &handle{r: r, task: task}
	r.mu.Unlock()

	r.exec(task, h)
}

// exec runs one task, converting an escaped panic into a task failure so the
// chain never ends up in an undefined position.
func (r *Runner) exec(task Task, h *handle) {
	defer func() {
		if rec := recover(); rec != nil {
			h.Failed(fmt.Errorf("uncaught error: %v", rec))
		}
	}()
	log.Debugf("running task %s", task.Name())
	task.Run(h)
}

type handle struct {
	r         *Runner
	task      Task
	signalled bool
}

func (h *handle) Complete() {
	h.r.mu.Lock()
	if h.signalled {
		h.r.mu.Unlock()
		log.Warnf("task %s signalled completion more than once", h.task.Name())
		return
	}
	h.signalled = true
	h.r.mu.Unlock()

	h.r.runNext()
}

func (h *handle) Failed(err error) {
	h.r.mu.Lock()
	if h.signalled {
		h.r.mu.Unlock()
		log.Warnf("task %s signalled failure after completion", h.task.Name())
		return
	}
	h.signalled = true
	h.r.failed = true
	h.r.mu.Unlock()

	log.WithError(err).Debugf("task %s failed, aborting chain", h.task.Name())
	if h.r.onFailed != nil {
		h.r.onFailed(fmt.Errorf("%s: %w", h.task.Name(), err))
	}
}

func (h *handle) InsertNext(tasks ...Task) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.r.queue = append(append([]Task{}, tasks...), h.r.queue...)
}

// Func adapts a plain function to a Task.
type Func struct {
	TaskName string
	F        func(h Handle)
}

func (f Func) Name() string   { return f.TaskName }
func (f Func) Run(h Handle)   { f.F(h) }
