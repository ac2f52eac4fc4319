package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vizbridge/vizbridge/internal/domain"
)

// fakeClock is a controllable time source for cooldown tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// parallelGauge tracks how many invocations overlap.
type parallelGauge struct {
	current atomic.Int32
	max     atomic.Int32
}

func (g *parallelGauge) enter() {
	n := g.current.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (g *parallelGauge) exit() {
	g.current.Add(-1)
}

type fakeTransport struct {
	name  string
	fn    func(ctx context.Context) (string, error)
	gauge *parallelGauge
	calls atomic.Int32
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Invoke(ctx context.Context, question string, data domain.DataContext) (string, error) {
	f.calls.Add(1)
	if f.gauge != nil {
		f.gauge.enter()
		defer f.gauge.exit()
	}
	return f.fn(ctx)
}

func answerWith(name, answer string) *fakeTransport {
	return &fakeTransport{name: name, fn: func(context.Context) (string, error) {
		return answer, nil
	}}
}

func failWith(name string, err error) *fakeTransport {
	return &fakeTransport{name: name, fn: func(context.Context) (string, error) {
		return "", err
	}}
}

func quietController(transports []domain.Transport, opts ...ControllerOption) *Controller {
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewController(transports, opts...)
}

func TestSendFirstTransportWins(t *testing.T) {
	script := answerWith("script", "from script")
	stream := answerWith("stream", "from stream")
	ctrl := quietController([]domain.Transport{script, stream})

	answer, err := ctrl.Send(context.Background(), "q", testData())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "from script" {
		t.Errorf("answer = %q", answer)
	}
	if n := stream.calls.Load(); n != 0 {
		t.Errorf("lower-priority transport invoked %d times", n)
	}
	if winner := ctrl.LastWinner(); winner != "script" {
		t.Errorf("LastWinner = %q", winner)
	}
}

func TestSendFallsThroughToNextTransport(t *testing.T) {
	script := failWith("script", errors.New("script down"))
	stream := answerWith("stream", "from stream")
	ctrl := quietController([]domain.Transport{script, stream})

	answer, err := ctrl.Send(context.Background(), "q", testData())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "from stream" {
		t.Errorf("answer = %q", answer)
	}
	if script.calls.Load() != 1 || stream.calls.Load() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", script.calls.Load(), stream.calls.Load())
	}

	states := ctrl.States()
	if !states[0].Disabled {
		t.Error("failed transport should be cooling down")
	}
	if !strings.Contains(states[0].LastError, "script down") {
		t.Errorf("LastError = %q", states[0].LastError)
	}
	if states[1].Disabled {
		t.Error("winning transport should stay enabled")
	}
}

func TestSendAttemptsEachEnabledOnceInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	failing := func(name string) *fakeTransport {
		return &fakeTransport{name: name, fn: func(context.Context) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return "", errors.New(name + " boom")
		}}
	}
	script := failing("script")
	frame := failing("frame")
	stream := failing("stream")
	ctrl := quietController([]domain.Transport{script, frame, stream})

	_, err := ctrl.Send(context.Background(), "q", testData())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if !strings.Contains(err.Error(), "stream boom") {
		t.Errorf("error = %v, want the last failure wrapped", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"script", "frame", "stream"}
	if len(order) != len(want) {
		t.Fatalf("attempts = %v, want one per transport", order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("attempt %d = %q, want %q", i, order[i], name)
		}
	}
}

func TestSendCooldownWindow(t *testing.T) {
	clock := newFakeClock()
	var healed atomic.Bool
	script := &fakeTransport{name: "script", fn: func(context.Context) (string, error) {
		if healed.Load() {
			return "script healed", nil
		}
		return "", errors.New("script down")
	}}
	stream := answerWith("stream", "from stream")
	ctrl := quietController([]domain.Transport{script, stream}, WithClock(clock.Now))

	answer, err := ctrl.Send(context.Background(), "q", testData())
	if err != nil || answer != "from stream" {
		t.Fatalf("first send = %q, %v", answer, err)
	}
	if script.calls.Load() != 1 {
		t.Fatalf("script calls = %d, want 1", script.calls.Load())
	}

	// 29s in, still cooling down: skipped outright.
	clock.Advance(29 * time.Second)
	answer, err = ctrl.Send(context.Background(), "q", testData())
	if err != nil || answer != "from stream" {
		t.Fatalf("second send = %q, %v", answer, err)
	}
	if script.calls.Load() != 1 {
		t.Errorf("script invoked during cooldown window")
	}

	// Exactly 30s: eligible again, and back at the head of the order.
	healed.Store(true)
	clock.Advance(time.Second)
	answer, err = ctrl.Send(context.Background(), "q", testData())
	if err != nil {
		t.Fatalf("third send: %v", err)
	}
	if answer != "script healed" {
		t.Errorf("answer = %q, want the recovered transport to win", answer)
	}
	if script.calls.Load() != 2 {
		t.Errorf("script calls = %d, want 2", script.calls.Load())
	}
}

func TestSendSingleInFlight(t *testing.T) {
	gauge := &parallelGauge{}
	script := &fakeTransport{name: "script", gauge: gauge, fn: func(context.Context) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	}}
	ctrl := quietController([]domain.Transport{script})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ctrl.Send(context.Background(), "q", testData()); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := gauge.max.Load(); max != 1 {
		t.Errorf("max parallel invocations = %d, want 1", max)
	}
	if n := script.calls.Load(); n != 4 {
		t.Errorf("calls = %d, want every send served", n)
	}
}

func TestSendEmptyAnswerIsFailure(t *testing.T) {
	script := &fakeTransport{name: "script", fn: func(context.Context) (string, error) {
		return "", nil
	}}
	stream := answerWith("stream", "real answer")
	ctrl := quietController([]domain.Transport{script, stream})

	answer, err := ctrl.Send(context.Background(), "q", testData())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "real answer" {
		t.Errorf("answer = %q", answer)
	}
	states := ctrl.States()
	if !states[0].Disabled {
		t.Error("empty-answer transport should be cooling down")
	}
	if !strings.Contains(states[0].LastError, "empty answer") {
		t.Errorf("LastError = %q", states[0].LastError)
	}
}

func TestSendNoTransportsEnabled(t *testing.T) {
	clock := newFakeClock()
	script := failWith("script", errors.New("down"))
	ctrl := quietController([]domain.Transport{script}, WithClock(clock.Now))

	if _, err := ctrl.Send(context.Background(), "q", testData()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("first send error = %v, want ErrExhausted", err)
	}

	_, err := ctrl.Send(context.Background(), "q", testData())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("second send error = %v, want ErrExhausted", err)
	}
	if !strings.Contains(err.Error(), "no transports currently enabled") {
		t.Errorf("error = %v", err)
	}
	if script.calls.Load() != 1 {
		t.Errorf("calls = %d, disabled transport must not be invoked", script.calls.Load())
	}
}

func TestSendContextCancelled(t *testing.T) {
	script := answerWith("script", "never reached")
	ctrl := quietController([]domain.Transport{script})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctrl.Send(ctx, "q", testData())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if script.calls.Load() != 0 {
		t.Errorf("transport invoked after cancellation")
	}
}

func TestSendAttemptTimeoutBoundsHungTransport(t *testing.T) {
	hung := &fakeTransport{name: "script", fn: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	stream := answerWith("stream", "from stream")
	ctrl := quietController([]domain.Transport{hung, stream}, WithAttemptTimeout(15*time.Millisecond))

	start := time.Now()
	answer, err := ctrl.Send(context.Background(), "q", testData())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if answer != "from stream" {
		t.Errorf("answer = %q", answer)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("send took %v, hung transport was not cut off", elapsed)
	}

	states := ctrl.States()
	if !strings.Contains(states[0].LastError, "deadline") {
		t.Errorf("LastError = %q, want the attempt deadline recorded", states[0].LastError)
	}
}

func TestFailureHookObservesEachFailure(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	hook := func(name string, err error) {
		mu.Lock()
		seen = append(seen, name+": "+err.Error())
		mu.Unlock()
	}
	script := failWith("script", errors.New("down"))
	frame := failWith("frame", errors.New("blocked"))
	stream := answerWith("stream", "ok")
	ctrl := quietController([]domain.Transport{script, frame, stream}, WithFailureHook(hook))

	if _, err := ctrl.Send(context.Background(), "q", testData()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("hook fired %d times, want 2: %v", len(seen), seen)
	}
	if seen[0] != "script: down" || seen[1] != "frame: blocked" {
		t.Errorf("hook observed %v", seen)
	}
}

func TestStatesReportPriorityOrder(t *testing.T) {
	ctrl := quietController([]domain.Transport{
		answerWith("script", "a"),
		answerWith("frame", "b"),
		answerWith("stream", "c"),
		answerWith("beacon", "d"),
	})

	states := ctrl.States()
	if len(states) != 4 {
		t.Fatalf("states = %d, want 4", len(states))
	}
	wantNames := []string{"script", "frame", "stream", "beacon"}
	for i, s := range states {
		if s.Name != wantNames[i] {
			t.Errorf("states[%d].Name = %q, want %q", i, s.Name, wantNames[i])
		}
		if s.Priority != i {
			t.Errorf("states[%d].Priority = %d, want %d", i, s.Priority, i)
		}
		if s.Disabled {
			t.Errorf("states[%d] disabled before any attempt", i)
		}
	}
}
