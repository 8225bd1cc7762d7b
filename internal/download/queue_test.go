package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qobuzdl/server/internal/catalog"
	apperrors "github.com/qobuzdl/server/internal/errors"
	"github.com/qobuzdl/server/internal/logger"
	"github.com/qobuzdl/server/internal/metrics"
	"github.com/qobuzdl/server/internal/processor"
)

// fakeProcessor records the order of processed subjects. When gate is set,
// every run blocks until gate yields or the job context ends.
type fakeProcessor struct {
	mu      sync.Mutex
	seen    []string
	fail    map[string]error
	panicOn string
	gate    chan struct{}
	started chan string

	inflight    int32
	maxInflight int32
}

func (f *fakeProcessor) Process(ctx context.Context, item catalog.Item, progress func(processor.Progress)) (*processor.Summary, error) {
	n := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		peak := atomic.LoadInt32(&f.maxInflight)
		if n <= peak || atomic.CompareAndSwapInt32(&f.maxInflight, peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.seen = append(f.seen, item.Key())
	f.mu.Unlock()

	if f.started != nil {
		f.started <- item.Key()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	progress(processor.Progress{Done: 1, Total: 2, Current: item.Title()})
	if item.Key() == f.panicOn {
		panic("nil album")
	}
	if err := f.fail[item.Key()]; err != nil {
		return &processor.Summary{Total: 2}, err
	}
	return &processor.Summary{Total: 2, Stored: 2}, nil
}

func (f *fakeProcessor) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func newTestQueue(p Processor) *Queue {
	return NewQueue(&QueueConfig{Processor: p, Logger: logger.Discard()})
}

func album(id string) catalog.Item {
	return catalog.AlbumItem(&catalog.Album{ID: id, Title: "Album " + id})
}

func track(id int64) catalog.Item {
	return catalog.TrackItem(&catalog.Track{ID: id, Title: fmt.Sprintf("Track %d", id), Album: &catalog.Album{ID: "a"}})
}

// waitIdle waits until nothing is pending or processing.
func waitIdle(t *testing.T, q *Queue) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := q.Status()
		if snap.CurrentJob == nil && len(snap.PendingJobs) == 0 {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue did not drain: %+v", q.Status())
	return Snapshot{}
}

func TestQueue_FIFO(t *testing.T) {
	proc := &fakeProcessor{}
	q := newTestQueue(proc)
	ctx := context.Background()

	items := []catalog.Item{album("1"), album("2"), track(3), album("4")}
	for _, item := range items {
		job, err := q.Enqueue(ctx, item)
		if err != nil {
			t.Fatalf("Enqueue(%s) error = %v", item.Key(), err)
		}
		if job.Status != StatusQueued || job.ID == "" {
			t.Errorf("new job = %+v", job)
		}
	}

	snap := q.Status()
	if len(snap.PendingJobs) != len(items) {
		t.Fatalf("pending = %d before Start, want %d", len(snap.PendingJobs), len(items))
	}
	if len(proc.order()) != 0 {
		t.Fatal("nothing should run before Start")
	}

	q.Start()
	snap = waitIdle(t, q)

	want := []string{"album:1", "album:2", "track:3", "album:4"}
	got := proc.order()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("processing order = %v, want %v", got, want)
	}
	if snap.LastJob == nil || snap.LastJob.Item.Key() != "album:4" || snap.LastJob.Status != StatusDone {
		t.Errorf("last job = %+v", snap.LastJob)
	}
	if snap.LastJob.Progress != 100 || snap.LastJob.Summary.Stored != 2 {
		t.Errorf("last job progress = %d, summary = %+v", snap.LastJob.Progress, snap.LastJob.Summary)
	}
}

func TestQueue_Dedupe(t *testing.T) {
	proc := &fakeProcessor{gate: make(chan struct{}), started: make(chan string, 4)}
	q := newTestQueue(proc)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, album("42"))
	if err != nil {
		t.Fatal(err)
	}

	dup, err := q.Enqueue(ctx, album("42"))
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("second Enqueue error = %v, want ErrDuplicateJob", err)
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate should return the existing job %s, got %s", first.ID, dup.ID)
	}

	// Track and album ids are separate namespaces.
	if _, err := q.Enqueue(ctx, track(42)); err != nil {
		t.Fatalf("track with the same id should be accepted: %v", err)
	}

	q.Start()
	if key := <-proc.started; key != "album:42" {
		t.Fatalf("first processed = %s", key)
	}

	// Still a duplicate while it is the current job.
	if _, err := q.Enqueue(ctx, album("42")); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Enqueue of current subject error = %v, want ErrDuplicateJob", err)
	}
	if n := len(q.Status().PendingJobs); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	close(proc.gate)
	<-proc.started
	waitIdle(t, q)

	// Once finished the subject can be queued again.
	if _, err := q.Enqueue(ctx, album("42")); err != nil {
		t.Errorf("re-enqueue after completion error = %v", err)
	}
	waitIdle(t, q)
}

func TestQueue_RejectsArtist(t *testing.T) {
	q := newTestQueue(&fakeProcessor{})

	item := catalog.Item{Kind: catalog.KindArtist, Artist: &catalog.Artist{ID: 7, Name: "Someone"}}
	_, err := q.Enqueue(context.Background(), item)
	if !apperrors.HasCode(err, apperrors.CodeUnsupportedKind) {
		t.Fatalf("error = %v, want UNSUPPORTED_KIND", err)
	}
	if len(q.Status().PendingJobs) != 0 {
		t.Error("artist must not be queued")
	}
}

func TestQueue_FailureDoesNotStall(t *testing.T) {
	proc := &fakeProcessor{fail: map[string]error{
		"album:1": apperrors.EntitlementExhausted(),
	}}
	q := newTestQueue(proc)

	var mu sync.Mutex
	finished := make(map[string]*Job)
	drained := make(chan struct{})
	q.OnChange(func(s Snapshot) {
		if s.LastJob == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		key := s.LastJob.Item.Key()
		if _, seen := finished[key]; !seen && key == "album:2" {
			close(drained)
		}
		finished[key] = s.LastJob
	})

	q.Start()
	for _, id := range []string{"1", "2"} {
		if _, err := q.Enqueue(context.Background(), album(id)); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("second job never finished")
	}

	mu.Lock()
	defer mu.Unlock()
	failed := finished["album:1"]
	if failed == nil || failed.Status != StatusFailed {
		t.Fatalf("album 1 = %+v, want failed", failed)
	}
	if !strings.Contains(failed.Error, string(apperrors.CodeEntitlementExhausted)) {
		t.Errorf("error message = %q", failed.Error)
	}
	if failed.CompletedAt == nil || failed.StartedAt == nil {
		t.Error("finished job should carry timestamps")
	}
	if done := finished["album:2"]; done == nil || done.Status != StatusDone {
		t.Errorf("album 2 = %+v, want done", done)
	}
}

func TestQueue_PanicFailsJob(t *testing.T) {
	proc := &fakeProcessor{panicOn: "album:1"}
	q := newTestQueue(proc)
	q.Start()

	q.Enqueue(context.Background(), album("1"))
	waitIdle(t, q)
	q.Enqueue(context.Background(), album("2"))
	snap := waitIdle(t, q)

	if snap.LastJob == nil || snap.LastJob.Status != StatusDone {
		t.Fatalf("worker should survive a panic, last job = %+v", snap.LastJob)
	}
	if got := proc.order(); len(got) != 2 {
		t.Errorf("processed = %v", got)
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	proc := &fakeProcessor{}
	q := newTestQueue(proc)

	// Before Start: the same subject from many goroutines is accepted once.
	var accepted int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(context.Background(), album("same")); err == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("accepted = %d, want 1", accepted)
	}

	q.Start()
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Enqueue(context.Background(), album(fmt.Sprintf("a%d", i)))
		}(i)
	}
	wg.Wait()
	waitIdle(t, q)

	if got := len(proc.order()); got != 51 {
		t.Errorf("processed = %d jobs, want 51", got)
	}
	if peak := atomic.LoadInt32(&proc.maxInflight); peak != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", peak)
	}
}

func TestQueue_StartIdempotent(t *testing.T) {
	proc := &fakeProcessor{}
	q := newTestQueue(proc)

	q.Start()
	q.Start()
	q.Enqueue(context.Background(), album("1"))
	q.Start()
	waitIdle(t, q)

	if got := proc.order(); len(got) != 1 {
		t.Errorf("processed = %v, want exactly one run", got)
	}
}

func TestQueue_StatusIsACopy(t *testing.T) {
	q := newTestQueue(&fakeProcessor{})
	q.Enqueue(context.Background(), album("1"))

	snap := q.Status()
	snap.PendingJobs[0].Title = "changed"
	snap.PendingJobs = append(snap.PendingJobs, &Job{})

	again := q.Status()
	if len(again.PendingJobs) != 1 || again.PendingJobs[0].Title != "Album 1" {
		t.Errorf("queue state leaked through snapshot: %+v", again.PendingJobs)
	}
	if again.CurrentJob != nil || again.LastJob != nil {
		t.Error("idle queue should have no current or last job")
	}
}

func TestQueue_CloseWaitsForCurrent(t *testing.T) {
	proc := &fakeProcessor{gate: make(chan struct{}), started: make(chan string, 2)}
	q := newTestQueue(proc)
	q.Start()

	q.Enqueue(context.Background(), album("1"))
	q.Enqueue(context.Background(), album("2"))
	<-proc.started

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(proc.gate)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	snap := q.Status()
	if snap.LastJob == nil || snap.LastJob.Status != StatusDone {
		t.Errorf("in-flight job should finish, got %+v", snap.LastJob)
	}
	if got := proc.order(); len(got) != 1 {
		t.Errorf("pending jobs should be dropped, processed %v", got)
	}
	if _, err := q.Enqueue(context.Background(), album("3")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close error = %v, want ErrQueueClosed", err)
	}
}

func TestQueue_CloseTimeoutCancelsJob(t *testing.T) {
	proc := &fakeProcessor{gate: make(chan struct{}), started: make(chan string, 1)}
	q := newTestQueue(proc)
	q.Start()

	q.Enqueue(context.Background(), album("1"))
	<-proc.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() error = %v, want deadline exceeded", err)
	}
	if last := q.Status().LastJob; last == nil || last.Status != StatusFailed {
		t.Errorf("cancelled job = %+v, want failed", last)
	}
}

func TestQueue_ReportsMetrics(t *testing.T) {
	m := metrics.New()
	q := NewQueue(&QueueConfig{Processor: &fakeProcessor{}, Logger: logger.Discard(), Metrics: m})

	q.Enqueue(context.Background(), album("1"))
	q.Enqueue(context.Background(), album("2"))

	scrape := func() string {
		w := httptest.NewRecorder()
		m.Handler()(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return w.Body.String()
	}

	if body := scrape(); !strings.Contains(body, "qobuzdl_download_queue_length 2") {
		t.Errorf("queue length not reported:\n%s", body)
	}

	q.Start()
	waitIdle(t, q)

	body := scrape()
	if !strings.Contains(body, "qobuzdl_download_queue_length 0") {
		t.Errorf("queue length not reset:\n%s", body)
	}
	if !strings.Contains(body, `qobuzdl_download_jobs_total{status="done"} 2`) {
		t.Errorf("job outcome not counted:\n%s", body)
	}
}
