package schedule_test

import (
	"testing"
	"time"

	"botfleet/pkg/schedule"
)

// drain runs fired tasks on the test goroutine until timeout.
func drain(t *testing.T, s *schedule.Scheduler, timeout time.Duration) int {
	t.Helper()
	ran := 0
	deadline := time.After(timeout)
	for {
		select {
		case id := <-s.Fired():
			if s.Run(id) {
				ran++
			}
		case <-deadline:
			return ran
		}
	}
}

func TestScheduler_RunsTaskOnOwningLoop(t *testing.T) {
	t.Parallel()

	s := schedule.New()
	defer s.Close()

	var hits int
	s.After(5*time.Millisecond, func() { hits++ })

	if ran := drain(t, s, 100*time.Millisecond); ran != 1 {
		t.Fatalf("expected 1 task to run, got %d", ran)
	}
	if hits != 1 {
		t.Fatalf("expected fn called once, got %d", hits)
	}
	if s.Len() != 0 {
		t.Fatalf("expected no pending tasks, got %d", s.Len())
	}
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	t.Parallel()

	s := schedule.New()
	defer s.Close()

	id := s.After(10*time.Millisecond, func() { t.Error("cancelled task ran") })
	if !s.Cancel(id) {
		t.Fatal("Cancel should report the task as pending")
	}
	if s.Cancel(id) {
		t.Fatal("second Cancel should report false")
	}

	if ran := drain(t, s, 50*time.Millisecond); ran != 0 {
		t.Fatalf("expected no runs, got %d", ran)
	}
}

func TestScheduler_CancelAfterFireBeforeRun(t *testing.T) {
	t.Parallel()

	s := schedule.New()
	defer s.Close()

	id := s.After(time.Millisecond, func() { t.Error("cancelled task ran") })

	var fired schedule.TaskID
	select {
	case fired = <-s.Fired():
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	s.Cancel(id)
	if s.Run(fired) {
		t.Fatal("Run must not execute a task cancelled after its timer fired")
	}
}

func TestScheduler_CancelAll(t *testing.T) {
	t.Parallel()

	s := schedule.New()
	defer s.Close()

	for range 3 {
		s.After(5*time.Millisecond, func() { t.Error("task ran after CancelAll") })
	}
	s.CancelAll()

	if ran := drain(t, s, 40*time.Millisecond); ran != 0 {
		t.Fatalf("expected no runs, got %d", ran)
	}
}

func TestScheduler_ZeroIDIsNeverPending(t *testing.T) {
	t.Parallel()

	s := schedule.New()
	defer s.Close()

	if s.Cancel(0) || s.Pending(0) {
		t.Fatal("zero TaskID must never be pending")
	}
}
