package hostloop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-schedcore/hostloop"
	"github.com/joeycumines/go-schedcore/seqctrl"
)

// queueSource is a minimal task source backed by a mutex-guarded slice.
// Selection happens on the loop goroutine; producers append from anywhere.
type queueSource struct {
	mu    sync.Mutex
	tasks []seqctrl.Task
}

func (s *queueSource) post(task seqctrl.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *queueSource) SelectNextTask() (seqctrl.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return seqctrl.Task{}, false
	}
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	return task, true
}

func (s *queueSource) DidRunTask() {}

func (s *queueSource) RemoveAllCanceledDelayedTasksFromFront(*seqctrl.LazyClock) {}

func (s *queueSource) GetNextTaskTime(*seqctrl.LazyClock) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) > 0 {
		return time.Time{}
	}
	return seqctrl.Never
}

func (s *queueSource) OnSystemIdle() bool { return false }

// TestControllerOnLoop drives a controller with the loop as its task
// runner: tasks posted from arbitrary goroutines execute, in order, on the
// loop goroutine.
func TestControllerOnLoop(t *testing.T) {
	t.Parallel()

	l, err := hostloop.New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()
	defer func() {
		if err := l.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
		<-runDone
	}()

	c, err := seqctrl.New(l, nil, seqctrl.WithWorkBatchSize(4))
	if err != nil {
		t.Fatalf("seqctrl.New() failed: %v", err)
	}

	source := &queueSource{}
	bound := make(chan struct{})
	// The controller is sequence-affine; bind it to the loop goroutine.
	if err := l.Submit(func() {
		c.SetSequencedTaskSource(source)
		close(bound)
	}); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	select {
	case <-bound:
	case <-time.After(5 * time.Second):
		t.Fatal("controller never bound")
	}

	const n = 50
	results := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			source.post(seqctrl.Task{Runnable: func() {
				if !l.RunsTasksInCurrentSequence() {
					t.Error("task ran off the loop goroutine")
				}
				results <- i
			}})
			c.ScheduleWork()
		}()
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-results:
			if seen[v] {
				t.Fatalf("task %d ran twice", v)
			}
			seen[v] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("only %d of %d tasks ran", i, n)
		}
	}
}

// TestControllerDelayedOnLoop verifies the delayed re-arm path end to end:
// an idle controller with future work wakes itself via the loop's timer.
func TestControllerDelayedOnLoop(t *testing.T) {
	t.Parallel()

	l, err := hostloop.New()
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()
	defer func() {
		if err := l.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
		<-runDone
	}()

	c, err := seqctrl.New(l, nil)
	if err != nil {
		t.Fatalf("seqctrl.New() failed: %v", err)
	}

	ran := make(chan struct{})
	source := &delayedOnceSource{
		due: time.Now().Add(30 * time.Millisecond),
		task: seqctrl.Task{Name: "deferred", Runnable: func() {
			close(ran)
		}},
	}
	if err := l.Submit(func() { c.SetSequencedTaskSource(source) }); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	// Trigger a pass that finds only delayed work and arms the timer.
	c.ScheduleWork()

	select {
	case <-ran:
	case <-time.After(10 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

// delayedOnceSource exposes one task that becomes ready at a fixed time.
type delayedOnceSource struct {
	mu    sync.Mutex
	due   time.Time
	task  seqctrl.Task
	taken bool
}

func (s *delayedOnceSource) SelectNextTask() (seqctrl.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken || time.Now().Before(s.due) {
		return seqctrl.Task{}, false
	}
	s.taken = true
	return s.task, true
}

func (s *delayedOnceSource) DidRunTask() {}

func (s *delayedOnceSource) RemoveAllCanceledDelayedTasksFromFront(*seqctrl.LazyClock) {}

func (s *delayedOnceSource) GetNextTaskTime(lazyNow *seqctrl.LazyClock) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taken {
		return seqctrl.Never
	}
	if !lazyNow.Now().Before(s.due) {
		return time.Time{}
	}
	return s.due
}

func (s *delayedOnceSource) OnSystemIdle() bool { return false }
