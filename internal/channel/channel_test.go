package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kaiwalabs/reviewloop/internal/models"
)

// fakeConn is a scriptable Conn. Reads block until the test pushes a payload
// or an error.
type fakeConn struct {
	in    chan []byte
	errCh chan error

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), errCh: make(chan error, 1)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeConn) firstWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[0]
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// fakeDialer hands out scripted dial results in order.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	errs    []error
	attempt int
}

func (d *fakeDialer) script(conn *fakeConn, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conn)
	d.errs = append(d.errs, err)
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attempt >= len(d.conns) {
		return nil, errors.New("no more scripted dials")
	}
	i := d.attempt
	d.attempt++
	if d.errs[i] != nil {
		return nil, d.errs[i]
	}
	return d.conns[i], nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempt
}

// fakeTimer captures scheduled work so tests fire reconnect attempts
// deterministically.
type fakeTimer struct {
	mu        sync.Mutex
	delays    []time.Duration
	fns       []func()
	cancelled []string
}

func (f *fakeTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, delay)
	f.fns = append(f.fns, fn)
	return fmt.Sprintf("fake_%d", len(f.fns)), nil
}

func (f *fakeTimer) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeTimer) Stop() {}

func (f *fakeTimer) scheduledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func (f *fakeTimer) fire(t *testing.T, i int) {
	t.Helper()
	f.mu.Lock()
	if i >= len(f.fns) {
		f.mu.Unlock()
		t.Fatalf("no scheduled timer at index %d", i)
	}
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

// statusRecorder collects status callbacks.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.ConnectionStatus
}

func (r *statusRecorder) record(s models.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) last() models.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestReconnectDelayBackoff(t *testing.T) {
	base := 1000 * time.Millisecond
	expected := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}
	for i, want := range expected {
		if got := ReconnectDelay(i+1, base); got != want {
			t.Errorf("ReconnectDelay(%d) = %v, want %v", i+1, got, want)
		}
	}
	if ReconnectDelay(2, base) <= ReconnectDelay(1, base) {
		t.Error("delays must be strictly increasing")
	}
}

func TestOpenConnects(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)
	rec := &statusRecorder{}
	ch := NewChannel(dialer, WithTimer(&fakeTimer{}), WithOnStatus(rec.record))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ch.Status(); got != models.StatusConnected {
		t.Errorf("status = %q, want connected", got)
	}
	if rec.last() != models.StatusConnected {
		t.Errorf("last reported status = %q, want connected", rec.last())
	}
}

func TestOpenIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)
	ch := NewChannel(dialer, WithTimer(&fakeTimer{}))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("second open should be a no-op, got %v", err)
	}
	if dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dials())
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	ch := NewChannel(&fakeDialer{}, WithTimer(&fakeTimer{}))
	defer ch.Close()
	if ch.Send("hello") {
		t.Error("Send must return false while disconnected")
	}
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.script(nil, errors.New("connection refused"))
	timer := &fakeTimer{}
	rec := &statusRecorder{}
	ch := NewChannel(dialer, WithTimer(timer), WithOnStatus(rec.record))
	defer ch.Close()

	// A dial failure is absorbed into the reconnection path, not surfaced.
	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if timer.scheduledCount() != 1 {
		t.Fatalf("scheduled = %d, want 1", timer.scheduledCount())
	}
	timer.mu.Lock()
	delay := timer.delays[0]
	timer.mu.Unlock()
	if delay != ReconnectBaseDelay {
		t.Errorf("first delay = %v, want %v", delay, ReconnectBaseDelay)
	}
	if rec.last() != models.StatusConnecting {
		t.Errorf("status = %q, want connecting while reconnecting", rec.last())
	}
}

func TestReconnectExhaustionEntersFallback(t *testing.T) {
	dialer := &fakeDialer{}
	for i := 0; i < 4; i++ {
		dialer.script(nil, errors.New("connection refused"))
	}
	timer := &fakeTimer{}
	rec := &statusRecorder{}
	ch := NewChannel(dialer, WithTimer(timer), WithOnStatus(rec.record))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Fire each scheduled attempt; every redial fails and schedules the next.
	for i := 0; i < ReconnectMaxAttempts; i++ {
		timer.fire(t, i)
	}

	if got := ch.Status(); got != models.StatusFallback {
		t.Errorf("status = %q, want fallback after exhaustion", got)
	}
	if timer.scheduledCount() != ReconnectMaxAttempts {
		t.Errorf("scheduled = %d, want %d (no attempts past the bound)", timer.scheduledCount(), ReconnectMaxAttempts)
	}
	// Delays compound: 1000ms, 1500ms, 2250ms.
	want := []time.Duration{1000 * time.Millisecond, 1500 * time.Millisecond, 2250 * time.Millisecond}
	timer.mu.Lock()
	for i, d := range timer.delays {
		if d != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i])
		}
	}
	timer.mu.Unlock()

	// Fallback is permanent: a send still fails fast.
	if ch.Send("hello") {
		t.Error("Send must return false in fallback")
	}
}

func TestConnectionLossReconnects(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(first, nil)
	dialer.script(second, nil)
	timer := &fakeTimer{}
	rec := &statusRecorder{}
	ch := NewChannel(dialer, WithTimer(timer), WithOnStatus(rec.record))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first.errCh <- errors.New("connection reset")
	waitFor(t, func() bool { return timer.scheduledCount() == 1 }, "reconnect scheduled after loss")
	timer.fire(t, 0)

	waitFor(t, func() bool { return ch.Status() == models.StatusConnected }, "reconnected")
	if !ch.Send("こんにちは") {
		t.Error("Send should succeed on the new connection")
	}
	waitFor(t, func() bool { return second.writeCount() == 1 }, "frame written to new conn")
}

func TestWriteFailureEntersReconnectPath(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)
	timer := &fakeTimer{}
	ch := NewChannel(dialer, WithTimer(timer))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn.failWrites(errors.New("broken pipe"))

	if ch.Send("hello") {
		t.Error("Send must return false on write failure")
	}
	waitFor(t, func() bool { return timer.scheduledCount() == 1 }, "reconnect scheduled after write failure")
}

func TestInboundFramesDeliveredInOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)

	var mu sync.Mutex
	var got []string
	onFrame := func(f *models.Frame) {
		mu.Lock()
		got = append(got, f.Content)
		mu.Unlock()
	}
	ch := NewChannel(dialer, WithTimer(&fakeTimer{}), WithOnFrame(onFrame))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, content := range []string{"a", "b", "c"} {
		frame := models.Frame{Type: models.FrameChunk, Content: content}
		data, _ := frame.Encode()
		conn.in <- data
	}

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 3 }, "all frames delivered")
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("frames out of order: %v", got)
	}
}

func TestInvalidFramesDropped(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)

	var mu sync.Mutex
	delivered := 0
	ch := NewChannel(dialer, WithTimer(&fakeTimer{}), WithOnFrame(func(f *models.Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conn.in <- []byte(`{{{not json`)
	conn.in <- []byte(`{"type":"mystery"}`)
	data, _ := (models.Frame{Type: models.FrameReady}).Encode()
	conn.in <- data

	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return delivered == 1 }, "only the valid frame delivered")
	if ch.Status() != models.StatusConnected {
		t.Error("invalid frames must not change connection state")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{}
	dialer.script(conn, nil)

	var mu sync.Mutex
	delivered := 0
	ch := NewChannel(dialer, WithTimer(&fakeTimer{}), WithOnFrame(func(f *models.Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := (models.Frame{Type: models.FramePing}).Encode()
	conn.in <- data

	waitFor(t, func() bool { return conn.writeCount() == 1 }, "pong written")
	parsed, err := models.ParseOutboundFrame(conn.firstWrite())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Type != models.FramePong {
		t.Errorf("type = %q, want pong", parsed.Type)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Error("ping frames must not reach the frame handler")
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.script(nil, errors.New("connection refused"))
	timer := &fakeTimer{}
	ch := NewChannel(dialer, WithTimer(timer))

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	timer.mu.Lock()
	cancelled := len(timer.cancelled)
	timer.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", cancelled)
	}
	if err := ch.Open(context.Background()); err != ErrChannelClosed {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

func TestOpenRefusedInFallback(t *testing.T) {
	dialer := &fakeDialer{}
	for i := 0; i < 4; i++ {
		dialer.script(nil, errors.New("connection refused"))
	}
	timer := &fakeTimer{}
	ch := NewChannel(dialer, WithTimer(timer))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < ReconnectMaxAttempts; i++ {
		timer.fire(t, i)
	}
	if got := ch.Status(); got != models.StatusFallback {
		t.Fatalf("status = %q, want fallback", got)
	}

	dialsBefore := dialer.dials()
	if err := ch.Open(context.Background()); err != ErrChannelFallback {
		t.Errorf("expected ErrChannelFallback, got %v", err)
	}
	if dialer.dials() != dialsBefore {
		t.Error("Open in fallback must not dial")
	}
	if got := ch.Status(); got != models.StatusFallback {
		t.Errorf("status = %q, fallback must be permanent", got)
	}
}

func TestStatusReportedOnceOnNoChange(t *testing.T) {
	dialer := &fakeDialer{}
	for i := 0; i < 4; i++ {
		dialer.script(nil, errors.New("refused"))
	}
	timer := &fakeTimer{}
	rec := &statusRecorder{}
	ch := NewChannel(dialer, WithTimer(timer), WithOnStatus(rec.record))
	defer ch.Close()

	if err := ch.Open(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < ReconnectMaxAttempts; i++ {
		timer.fire(t, i)
	}

	// Connecting and reconnecting map to the same reported status, so the
	// recorder must not see consecutive duplicates.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := 1; i < len(rec.statuses); i++ {
		if rec.statuses[i] == rec.statuses[i-1] {
			t.Errorf("duplicate consecutive status %q at %d: %v", rec.statuses[i], i, rec.statuses)
		}
	}
	if rec.statuses[len(rec.statuses)-1] != models.StatusFallback {
		t.Errorf("final status = %q, want fallback", rec.statuses[len(rec.statuses)-1])
	}
}
