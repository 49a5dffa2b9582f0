package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lwmqn/shepherd-sub001/internal/protocol"
)

// recordingSender captures published requests.
type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.RequestMessage
	to   []string
	err  error
}

func (s *recordingSender) SendRequest(clientID string, msg protocol.RequestMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	s.to = append(s.to, clientID)
	return nil
}

func (s *recordingSender) last(t *testing.T) protocol.RequestMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no request published")
	}
	return s.sent[len(s.sent)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(opts Options) (*Coordinator, *recordingSender, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	sender := &recordingSender{}
	return New(sender, opts), sender, clock
}

var tempPath = protocol.ResourcePath(3303, 0, 5700)

func readRequest(clientID string) Request {
	return Request{ClientID: clientID, Command: protocol.CmdRead, Path: tempPath}
}

func mustIssue(t *testing.T, c *Coordinator, req Request) *Handle {
	t.Helper()
	h, err := c.Issue(req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return h
}

// =============================================================================
// Issue
// =============================================================================

func TestIssue_PublishesRequest(t *testing.T) {
	c, sender, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdWrite, Path: tempPath, Data: 20})

	msg := sender.last(t)
	if msg.TransID != h.TransID() {
		t.Errorf("published transId = %d, want %d", msg.TransID, h.TransID())
	}
	if msg.CmdID != protocol.CmdWrite || msg.Path() != tempPath || msg.Data != 20 {
		t.Errorf("published %+v, want write /3303/0/5700 data 20", msg)
	}
	if sender.to[0] != "dev1" {
		t.Errorf("published to %q, want dev1", sender.to[0])
	}
	if _, err := h.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("Result() before settle error = %v, want ErrPending", err)
	}
	if c.Pending("dev1") != 1 {
		t.Errorf("Pending(dev1) = %d, want 1", c.Pending("dev1"))
	}
}

func TestIssue_Invalid(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty client", Request{Command: protocol.CmdRead, Path: tempPath}},
		{"bad command", Request{ClientID: "dev1", Command: protocol.Command(9), Path: tempPath}},
		{"bad path", Request{ClientID: "dev1", Command: protocol.CmdRead, Path: protocol.Path{ObjectID: -1, InstanceID: protocol.NoID, ResourceID: protocol.NoID}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Issue(tt.req)
			if !errors.Is(err, protocol.ErrBadRequest) {
				t.Errorf("Issue() error = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestIssue_SendFailureSettles(t *testing.T) {
	c, sender, _ := newTestCoordinator(Options{})
	sender.err = errors.New("not connected")

	h, err := c.Issue(readRequest("dev1"))
	if err != nil {
		t.Fatalf("Issue() error = %v, want handle", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not settled after send failure")
	}
	if _, err := h.Result(); !errors.Is(err, protocol.ErrTransport) {
		t.Errorf("Result() error = %v, want ErrTransport", err)
	}
	if c.Pending("dev1") != 0 {
		t.Errorf("Pending(dev1) = %d, want 0 after failed send", c.Pending("dev1"))
	}
}

func TestIssue_Exhaustion(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{Window: 2})
	mustIssue(t, c, readRequest("dev1"))
	mustIssue(t, c, readRequest("dev1"))

	_, err := c.Issue(readRequest("dev1"))
	if !errors.Is(err, protocol.ErrTransactionIDsExhausted) {
		t.Fatalf("Issue() error = %v, want ErrTransactionIDsExhausted", err)
	}

	// Other devices have their own space.
	if _, err := c.Issue(readRequest("dev2")); err != nil {
		t.Errorf("Issue(dev2) error = %v, want nil", err)
	}
}

func TestIssue_UniqueIDsUnderConcurrency(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{Window: 1024})

	const n = 500
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Issue(readRequest("dev1"))
			if err != nil {
				t.Errorf("Issue() error = %v", err)
				return
			}
			ids <- h.TransID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("transaction id %d issued twice while pending", id)
		}
		seen[id] = true
	}
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_Success(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, readRequest("dev1"))

	applied := false
	ok := c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent, Data: 23.5},
		func(got *Handle, res Result) {
			applied = got == h && res.Data == 23.5
			select {
			case <-h.Done():
				t.Error("handle settled before apply ran")
			default:
			}
		})
	if !ok {
		t.Fatal("Resolve() = false, want true")
	}
	if !applied {
		t.Error("apply not called with the handle and result")
	}

	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Status != protocol.StatusContent || res.Data != 23.5 {
		t.Errorf("Wait() = %+v, want 205 23.5", res)
	}
}

func TestResolve_ErrorStatus(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})

	tests := []struct {
		status protocol.Status
		want   error
	}{
		{protocol.StatusNotFound, protocol.ErrNotFound},
		{protocol.StatusBadRequest, protocol.ErrBadRequest},
		{protocol.StatusMethodNotAllowed, protocol.ErrMethodNotAllowed},
		{protocol.StatusInternalError, nil},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			h := mustIssue(t, c, readRequest("dev1"))
			applied := false
			c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: tt.status},
				func(*Handle, Result) { applied = true })

			_, err := h.Wait(context.Background())
			var se *protocol.StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Fatalf("Wait() error = %v, want StatusError %d", err, tt.status)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("errors.Is(err, %v) = false", tt.want)
			}
			if applied {
				t.Error("apply ran for an error status")
			}
		})
	}
}

func TestResolve_UnknownAndLate(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, readRequest("dev1"))

	if c.Resolve(Response{ClientID: "dev1", TransID: h.TransID() + 1, Status: protocol.StatusContent}, nil) {
		t.Error("Resolve() unknown transId = true, want false")
	}
	if c.Resolve(Response{ClientID: "dev2", TransID: h.TransID(), Status: protocol.StatusContent}, nil) {
		t.Error("Resolve() wrong client = true, want false")
	}

	c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent, Data: 1}, nil)
	if c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent, Data: 2}, nil) {
		t.Error("Resolve() duplicate = true, want false")
	}
	res, _ := h.Result()
	if res.Data != 1 {
		t.Errorf("Result().Data = %v, want first response 1", res.Data)
	}
}

func TestResolve_ExactlyOnceUnderRace(t *testing.T) {
	c, _, clock := newTestCoordinator(Options{Timeout: time.Second})

	for i := 0; i < 200; i++ {
		h := mustIssue(t, c, readRequest("dev1"))
		clock.Advance(2 * time.Second)

		var wg sync.WaitGroup
		wins := make(chan string, 3)
		wg.Add(3)
		go func() {
			defer wg.Done()
			if c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent}, nil) {
				wins <- "resolve"
			}
		}()
		go func() {
			defer wg.Done()
			if c.TimeoutSweep(clock.Now()) > 0 {
				wins <- "timeout"
			}
		}()
		go func() {
			defer wg.Done()
			if c.Cancel("dev1", h.TransID()) {
				wins <- "cancel"
			}
		}()
		wg.Wait()
		close(wins)

		if n := len(wins); n != 1 {
			t.Fatalf("iteration %d: %d settlements, want 1", i, n)
		}
		<-h.Done()
	}
}

// =============================================================================
// Timeout / Cancel
// =============================================================================

func TestTimeoutSweep(t *testing.T) {
	c, _, clock := newTestCoordinator(Options{Timeout: 10 * time.Second})
	short := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdRead, Path: tempPath, Timeout: time.Second})
	long := mustIssue(t, c, readRequest("dev1"))

	clock.Advance(500 * time.Millisecond)
	if n := c.TimeoutSweep(clock.Now()); n != 0 {
		t.Fatalf("TimeoutSweep() at 0.5s = %d, want 0", n)
	}

	clock.Advance(time.Second)
	if n := c.TimeoutSweep(clock.Now()); n != 1 {
		t.Fatalf("TimeoutSweep() at 1.5s = %d, want 1", n)
	}
	if _, err := short.Result(); !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("short Result() error = %v, want ErrTimeout", err)
	}
	if _, err := long.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("long Result() error = %v, want ErrPending", err)
	}

	// The late response is dropped.
	if c.Resolve(Response{ClientID: "dev1", TransID: short.TransID(), Status: protocol.StatusContent}, nil) {
		t.Error("Resolve() after timeout = true, want false")
	}
}

func TestCancel(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, readRequest("dev1"))

	if !c.Cancel("dev1", h.TransID()) {
		t.Fatal("Cancel() = false, want true")
	}
	if c.Cancel("dev1", h.TransID()) {
		t.Error("second Cancel() = true, want false")
	}
	if _, err := h.Result(); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("Result() error = %v, want ErrCancelled", err)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, readRequest("dev1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Wait(ctx)
	if !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
	if c.Pending("dev1") != 0 {
		t.Errorf("Pending(dev1) = %d, want 0", c.Pending("dev1"))
	}
}

func TestCancelDevice(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	a := mustIssue(t, c, readRequest("dev1"))
	b := mustIssue(t, c, readRequest("dev1"))
	other := mustIssue(t, c, readRequest("dev2"))

	if n := c.CancelDevice("dev1"); n != 2 {
		t.Errorf("CancelDevice() = %d, want 2", n)
	}
	for _, h := range []*Handle{a, b} {
		if _, err := h.Result(); !errors.Is(err, protocol.ErrCancelled) {
			t.Errorf("Result() error = %v, want ErrCancelled", err)
		}
	}
	if _, err := other.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("dev2 Result() error = %v, want ErrPending", err)
	}
}

func TestCancelAll(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	mustIssue(t, c, readRequest("dev1"))
	mustIssue(t, c, readRequest("dev2"))

	if n := c.CancelAll(); n != 2 {
		t.Errorf("CancelAll() = %d, want 2", n)
	}
	if c.Pending("") != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending(""))
	}
}

func TestCancelDeviceBefore(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	obs := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdObserve, Path: tempPath})
	c.Resolve(Response{ClientID: "dev1", TransID: obs.TransID(), Status: protocol.StatusContent}, nil)
	before := mustIssue(t, c, readRequest("dev1"))

	mark := c.Mark()

	// The device registers again and is asked something new.
	after := mustIssue(t, c, readRequest("dev1"))

	if n := c.CancelDeviceBefore("dev1", mark); n != 1 {
		t.Errorf("CancelDeviceBefore() = %d, want 1", n)
	}
	if _, err := before.Result(); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("earlier Result() error = %v, want ErrCancelled", err)
	}
	if _, err := after.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("later Result() error = %v, want ErrPending", err)
	}
	if c.Observing("dev1", tempPath) {
		t.Error("observation from before the mark survived")
	}

	// The later request still owns its id and can be answered.
	if !c.Resolve(Response{ClientID: "dev1", TransID: after.TransID(), Status: protocol.StatusContent}, nil) {
		t.Error("Resolve() of the later request = false, want true")
	}
	next := mustIssue(t, c, readRequest("dev1"))
	if next.TransID() <= after.TransID() {
		t.Errorf("next TransID() = %d, want past %d: id space was reset while a request was pending", next.TransID(), after.TransID())
	}
}

func TestClose(t *testing.T) {
	c, sender, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, readRequest("dev1"))

	if n := c.Close(); n != 1 {
		t.Errorf("Close() = %d, want 1", n)
	}
	if _, err := h.Result(); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("Result() after Close error = %v, want ErrCancelled", err)
	}

	_, err := c.Issue(readRequest("dev1"))
	if !errors.Is(err, ErrClosed) || !errors.Is(err, protocol.ErrTransport) {
		t.Errorf("Issue() after Close error = %v, want ErrClosed matching transport", err)
	}
	if c.Pending("") != 0 {
		t.Errorf("Pending() after Close = %d, want 0", c.Pending(""))
	}
	sender.mu.Lock()
	sent := len(sender.sent)
	sender.mu.Unlock()
	if sent != 1 {
		t.Errorf("published %d requests, want only the one before Close", sent)
	}
}

// =============================================================================
// Observations
// =============================================================================

func TestObservations(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdObserve, Path: tempPath})
	c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent}, nil)

	if !c.Observing("dev1", tempPath) {
		t.Fatal("Observing() = false after accepted observe")
	}
	obs := c.Observations("dev1")
	if len(obs) != 1 || obs[0].Path != tempPath || obs[0].TransID != h.TransID() {
		t.Errorf("Observations() = %+v, want one on %s", obs, tempPath)
	}

	if !c.RemoveObservation("dev1", tempPath) {
		t.Error("RemoveObservation() = false, want true")
	}
	if c.Observing("dev1", tempPath) {
		t.Error("Observing() = true after RemoveObservation")
	}
}

func TestObservations_RejectedObserve(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdObserve, Path: tempPath})
	c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusNotFound}, nil)

	if c.Observing("dev1", tempPath) {
		t.Error("Observing() = true after rejected observe")
	}
}

func TestRemoveObservation_CancelsPendingObserve(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdObserve, Path: tempPath})
	read := mustIssue(t, c, readRequest("dev1"))

	if !c.RemoveObservation("dev1", tempPath) {
		t.Fatal("RemoveObservation() = false, want true")
	}
	if _, err := h.Result(); !errors.Is(err, protocol.ErrCancelled) {
		t.Errorf("observe Result() error = %v, want ErrCancelled", err)
	}
	if _, err := read.Result(); !errors.Is(err, ErrPending) {
		t.Errorf("read Result() error = %v, want ErrPending", err)
	}
}

func TestCancelDevice_DropsObservations(t *testing.T) {
	c, _, _ := newTestCoordinator(Options{})
	h := mustIssue(t, c, Request{ClientID: "dev1", Command: protocol.CmdObserve, Path: tempPath})
	c.Resolve(Response{ClientID: "dev1", TransID: h.TransID(), Status: protocol.StatusContent}, nil)

	c.CancelDevice("dev1")
	if len(c.Observations("dev1")) != 0 {
		t.Error("observations survived CancelDevice")
	}
}
