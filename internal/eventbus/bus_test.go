package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()

	b.Publish(Event{Type: ScheduleCreated})
	b.Publish(Event{Type: JobFailed, Data: JobEvent{JobID: "job_1"}})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(jobs); got != 1 {
		t.Fatalf("job subscriber got %d events, want 1", got)
	}
	e := <-jobs
	if e.Time.IsZero() {
		t.Fatal("publish must stamp the event time")
	}
	if data, ok := e.Data.(JobEvent); !ok || data.JobID != "job_1" {
		t.Fatalf("unexpected payload %#v", e.Data)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: JobFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	b.Publish(Event{Type: JobFinished})
}
