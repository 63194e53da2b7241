package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// scriptedFetcher returns bodies[i] on the i-th call and repeats the last one
// once the script runs out.
type scriptedFetcher struct {
	mu     sync.Mutex
	bodies []string
	errs   map[int]error
	calls  int
	hook   func(call int)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err, ok := f.errs[n]; ok {
		return nil, err
	}
	i := n - 1
	if i >= len(f.bodies) {
		i = len(f.bodies) - 1
	}
	return []byte(f.bodies[i]), nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(t *testing.T, f Fetcher, opts ...Option) (*Poller, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	opts = append([]Option{WithLogger(logrus.NewEntry(log)), WithInterval(10 * time.Millisecond)}, opts...)
	return New(f, opts...), hook
}

const readyBody = `{"analysis":{"structuredData":{"Task_Score":8}},"summary":"ok"}`

func TestPollReturnsThirdBody(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{`{"analysis":null}`, `{"analysis":null}`, readyBody}}
	p, _ := newTestPoller(t, f, WithMaxAttempts(3))

	start := time.Now()
	res, ok := p.Poll(context.Background(), "call-1")
	elapsed := time.Since(start)

	if !ok {
		t.Fatal("expected a result")
	}
	if f.Calls() != 3 {
		t.Errorf("requests = %d, want 3", f.Calls())
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("elapsed %v, want >= 20ms", elapsed)
	}
	if string(res.Raw) != readyBody {
		t.Errorf("raw body = %s", res.Raw)
	}
	if res.Summary != "ok" {
		t.Errorf("summary = %q", res.Summary)
	}
	if res.Analysis.StructuredData.TaskScore == nil || *res.Analysis.StructuredData.TaskScore != 8 {
		t.Errorf("task score = %v", res.Analysis.StructuredData.TaskScore)
	}
}

func TestPollExhaustsBudget(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{`{}`}}
	p, hook := newTestPoller(t, f, WithMaxAttempts(2))

	res, ok := p.Poll(context.Background(), "call-1")
	if ok || res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}
	if f.Calls() != 2 {
		t.Errorf("requests = %d, want 2", f.Calls())
	}
	if last := hook.LastEntry(); last == nil || last.Level != logrus.InfoLevel {
		t.Errorf("exhaustion should be logged at info, got %+v", last)
	}
}

func TestPollStopsOnNetworkError(t *testing.T) {
	f := &scriptedFetcher{
		bodies: []string{readyBody},
		errs:   map[int]error{1: errors.New("connection refused")},
	}
	p, hook := newTestPoller(t, f, WithMaxAttempts(5))

	if _, ok := p.Poll(context.Background(), "call-1"); ok {
		t.Fatal("expected no result")
	}
	if f.Calls() != 1 {
		t.Errorf("requests = %d, want 1", f.Calls())
	}
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.ErrorLevel {
		t.Fatalf("failure should be logged at error, got %+v", last)
	}
	if !strings.Contains(last.Data["error"].(string), "connection refused") {
		t.Errorf("error field = %v", last.Data["error"])
	}
}

func TestPollStopsOnMalformedBody(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{`<html>502</html>`, readyBody}}
	p, _ := newTestPoller(t, f, WithMaxAttempts(5))

	if _, ok := p.Poll(context.Background(), "call-1"); ok {
		t.Fatal("expected no result")
	}
	if f.Calls() != 1 {
		t.Errorf("requests = %d, want 1", f.Calls())
	}
}

func TestPollNotReadyShapesRetry(t *testing.T) {
	shapes := []string{
		`{}`,
		`{"analysis":{}}`,
		`{"summary":"done"}`,
		`{"analysis":null,"summary":"done"}`,
		`{"analysis":{},"summary":""}`,
		`{"analysis":{},"summary":null}`,
		`[]`,
		`null`,
		`"pending"`,
	}
	for _, body := range shapes {
		t.Run(body, func(t *testing.T) {
			f := &scriptedFetcher{bodies: []string{body, readyBody}}
			p, _ := newTestPoller(t, f, WithMaxAttempts(3), WithInterval(time.Millisecond))

			if _, ok := p.Poll(context.Background(), "call-1"); !ok {
				t.Fatal("expected the retry to reach the ready body")
			}
			if f.Calls() != 2 {
				t.Errorf("requests = %d, want 2", f.Calls())
			}
		})
	}
}

func TestPollReadyOnFirstAttempt(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{`{"analysis":{"structuredData":{}},"summary":"short"}`}}
	p, _ := newTestPoller(t, f, WithMaxAttempts(10))

	res, ok := p.Poll(context.Background(), "call-1")
	if !ok {
		t.Fatal("expected a result")
	}
	if f.Calls() != 1 {
		t.Errorf("requests = %d, want 1", f.Calls())
	}
	if res.Analysis.StructuredData.TaskScore != nil {
		t.Errorf("task score should be unset, got %v", *res.Analysis.StructuredData.TaskScore)
	}
}

func TestPollAtMostMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		f := &scriptedFetcher{bodies: []string{`{"analysis":{}}`}}
		p, _ := newTestPoller(t, f, WithMaxAttempts(n), WithInterval(time.Millisecond))
		if _, ok := p.Poll(context.Background(), "call-1"); ok {
			t.Fatalf("maxAttempts=%d: expected no result", n)
		}
		if f.Calls() != n {
			t.Errorf("maxAttempts=%d: requests = %d", n, f.Calls())
		}
	}
}

func TestPollEmptyCallID(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{readyBody}}
	var toggles []bool
	p, _ := newTestPoller(t, f, WithLoading(func(b bool) { toggles = append(toggles, b) }))

	if _, ok := p.Poll(context.Background(), ""); ok {
		t.Fatal("expected no result")
	}
	if f.Calls() != 0 {
		t.Errorf("requests = %d, want 0", f.Calls())
	}
	if len(toggles) != 0 {
		t.Errorf("loading toggled for empty id: %v", toggles)
	}
}

func TestPollCancelledBeforeFirstAttempt(t *testing.T) {
	f := &scriptedFetcher{bodies: []string{readyBody}}
	p, hook := newTestPoller(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := p.Poll(ctx, "call-1"); ok {
		t.Fatal("expected no result")
	}
	if f.Calls() != 0 {
		t.Errorf("requests = %d, want 0", f.Calls())
	}
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			t.Errorf("cancellation logged as error: %q", e.Message)
		}
	}
}

func TestPollCancelledBetweenAttempts(t *testing.T) {
	const k = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &scriptedFetcher{bodies: []string{`{}`}}
	f.hook = func(call int) {
		if call == k {
			// Cancel after the k-th request has been issued; the wait that
			// follows must observe it.
			cancel()
		}
	}
	p, _ := newTestPoller(t, f, WithMaxAttempts(10), WithInterval(20*time.Millisecond))

	if _, ok := p.Poll(ctx, "call-1"); ok {
		t.Fatal("expected no result")
	}
	if f.Calls() > k+1 {
		t.Errorf("requests = %d, want at most %d", f.Calls(), k+1)
	}
}

func TestPollCancelledMidRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		calls.Add(1)
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, hook := newTestPoller(t, f, WithMaxAttempts(5))

	if _, ok := p.Poll(ctx, "call-1"); ok {
		t.Fatal("expected no result")
	}
	if calls.Load() != 1 {
		t.Errorf("requests = %d, want 1", calls.Load())
	}
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.InfoLevel || last.Message != "polling cancelled" {
		t.Errorf("mid-request cancel should log an info stop, got %+v", last)
	}
}

func TestPollLoadingToggledOnEveryExit(t *testing.T) {
	cases := map[string]Fetcher{
		"result":    &scriptedFetcher{bodies: []string{readyBody}},
		"exhausted": &scriptedFetcher{bodies: []string{`{}`}},
		"failed":    &scriptedFetcher{bodies: []string{`{}`}, errs: map[int]error{1: errors.New("boom")}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			var toggles []bool
			p, _ := newTestPoller(t, f, WithMaxAttempts(2), WithInterval(time.Millisecond))
			p.Poll(context.Background(), "call-1", WithLoading(func(b bool) { toggles = append(toggles, b) }))
			if len(toggles) != 2 || !toggles[0] || toggles[1] {
				t.Errorf("toggles = %v, want [true false]", toggles)
			}
		})
	}
}

func TestPollSequentialAttempts(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	f := FetcherFunc(func(ctx context.Context, _ string) ([]byte, error) {
		n := inFlight.Add(1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return []byte(`{}`), nil
	})
	p, _ := newTestPoller(t, f, WithMaxAttempts(4), WithInterval(time.Millisecond))
	p.Poll(context.Background(), "call-1")

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent requests = %d, want 1", maxInFlight.Load())
	}
}

func TestPollDefaults(t *testing.T) {
	p := New(&scriptedFetcher{bodies: []string{`{}`}}, WithInterval(-1), WithMaxAttempts(0))
	if p.base.interval != DefaultInterval {
		t.Errorf("interval = %v", p.base.interval)
	}
	if p.base.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d", p.base.maxAttempts)
	}
}
