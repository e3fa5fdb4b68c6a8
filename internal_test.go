package peerlink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/lanpeer/peerlink/beacon"
)

func TestDialsFirst(t *testing.T) {
	ap := netip.MustParseAddrPort
	tests := []struct {
		a, b string
	}{
		{"192.168.1.2:48888", "192.168.1.10:48888"},
		{"10.0.0.1:48888", "192.168.0.1:48888"},
		{"127.0.0.1:4000", "127.0.0.1:5000"},
	}
	for _, tc := range tests {
		lo, hi := ap(tc.a), ap(tc.b)
		if !dialsFirst(lo, hi) {
			t.Errorf("dialsFirst(%v, %v): got false, want true", lo, hi)
		}
		if dialsFirst(hi, lo) {
			t.Errorf("dialsFirst(%v, %v): got true, want false", hi, lo)
		}
	}
}

func TestLivenessDefaults(t *testing.T) {
	tests := []struct {
		input, want Liveness
		ok          bool
	}{
		{Liveness{}, Liveness{Interval: time.Second, Timeout: 3 * time.Second}, true},
		{Liveness{Interval: 100 * time.Millisecond},
			Liveness{Interval: 100 * time.Millisecond, Timeout: 300 * time.Millisecond}, true},
		{Liveness{Timeout: 10 * time.Second},
			Liveness{Interval: time.Second, Timeout: 10 * time.Second}, true},
		{Liveness{Interval: time.Second, Timeout: 1500 * time.Millisecond},
			Liveness{Interval: time.Second, Timeout: 1500 * time.Millisecond}, false},
		{Liveness{Interval: 1, Timeout: time.Second},
			Liveness{Interval: 1, Timeout: time.Second}, false},
		{Liveness{Interval: 2, Timeout: time.Second},
			Liveness{Interval: 2, Timeout: time.Second}, true},
	}
	for _, tc := range tests {
		got := tc.input.withDefaults()
		if got != tc.want {
			t.Errorf("%+v defaults: got %+v, want %+v", tc.input, got, tc.want)
		}
		if err := got.check(); (err == nil) != tc.ok {
			t.Errorf("%+v check: got %v, want ok=%v", got, err, tc.ok)
		}
	}
}

func TestLivenessDue(t *testing.T) {
	lv := Liveness{Interval: time.Second, Timeout: 3 * time.Second}
	base := time.Now()
	if lv.due(base, base.Add(999*time.Millisecond)) {
		t.Error("Heartbeat due before the interval elapsed")
	}
	if !lv.due(base, base.Add(time.Second)) {
		t.Error("Heartbeat not due after the interval elapsed")
	}
}

type fakeHeartbeater struct {
	mu     sync.Mutex
	last   time.Time
	writes [][]byte
	err    error
}

func (f *fakeHeartbeater) Write(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, msg)
	f.last = time.Now()
	return nil
}

func (f *fakeHeartbeater) LastWrite() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeHeartbeater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func TestKeepAlive(t *testing.T) {
	defer leaktest.Check(t)()
	lv := Liveness{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}

	t.Run("Idle", func(t *testing.T) {
		hb := &fakeHeartbeater{last: time.Now()}
		ctx, cancel := context.WithCancel(context.Background())
		var beats int
		done := taskgroup.Go(func() error { return lv.keepAlive(ctx, hb, func() { beats++ }) })

		time.Sleep(100 * time.Millisecond)
		cancel()
		if err := done.Wait(); err != nil {
			t.Fatalf("keepAlive: unexpected error: %v", err)
		}
		if n := hb.count(); n < 2 {
			t.Errorf("Got %d heartbeats, want at least 2", n)
		} else if n != beats {
			t.Errorf("Got %d heartbeats, but %d callbacks", n, beats)
		}
		for i, msg := range hb.writes {
			if !isHeartbeat(msg) {
				t.Errorf("Write %d: got %q, want heartbeat", i, msg)
			}
		}
	})

	t.Run("Busy", func(t *testing.T) {
		// A connection that is written continually needs no heartbeats.
		hb := &busyHeartbeater{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := lv.keepAlive(ctx, hb, nil); err != nil {
			t.Fatalf("keepAlive: unexpected error: %v", err)
		}
		if hb.n != 0 {
			t.Errorf("Got %d heartbeats, want 0", hb.n)
		}
	})

	t.Run("WriteError", func(t *testing.T) {
		bad := errors.New("write failed")
		hb := &fakeHeartbeater{err: bad}
		err := lv.keepAlive(context.Background(), hb, nil)
		if !errors.Is(err, bad) {
			t.Errorf("keepAlive: got %v, want %v", err, bad)
		}
	})
}

type busyHeartbeater struct{ n int }

func (b *busyHeartbeater) Write([]byte) error   { b.n++; return nil }
func (*busyHeartbeater) LastWrite() time.Time { return time.Now() }

func TestMailbox(t *testing.T) {
	m := newMailbox[Event](3)
	if got := m.drain(); got != nil {
		t.Errorf("Empty drain: got %v, want nil", got)
	}

	errA := errors.New("a")
	for _, e := range []Event{
		{Kind: EventNetworkLost},
		{Kind: EventDisconnected, Err: errA},
		{Kind: EventDisconnected},
	} {
		if m.add(e) {
			t.Errorf("Add %v: unexpectedly dropped", e)
		}
	}
	if !m.add(Event{Kind: EventNetworkLost}) {
		t.Error("Add to full mailbox did not drop")
	}

	want := []Event{
		{Kind: EventDisconnected, Err: errA},
		{Kind: EventDisconnected},
		{Kind: EventNetworkLost},
	}
	if diff := cmp.Diff(want, m.drain(), cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("Drain (-want, +got):\n%s", diff)
	}
	if got := m.drain(); got != nil {
		t.Errorf("Second drain: got %v, want nil", got)
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		input fmtStringer
		want  string
	}{
		{StateIdle, "idle"},
		{StateDiscovering, "discovering"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{State(99), "State(99)"},
		{EventDisconnected, "disconnected"},
		{EventNetworkLost, "network-lost"},
		{Event{Kind: EventDisconnected, Err: errors.New("boom")}, "disconnected: boom"},
	}
	for _, tc := range tests {
		if got := tc.input.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}

func TestInbox(t *testing.T) {
	m := newMailbox[[]byte](0)
	const n = 1000
	for i := range n {
		if m.add([]byte{byte(i)}) {
			t.Fatalf("Add %d: unbounded mailbox dropped a value", i)
		}
	}
	if got := m.len(); got != n {
		t.Errorf("Len: got %d, want %d", got, n)
	}
	if got := m.clear(); got != n {
		t.Errorf("Clear: got %d, want %d", got, n)
	}
	if got := m.drain(); got != nil {
		t.Errorf("Drain after clear: got %d values, want none", len(got))
	}
}

type fmtStringer interface{ String() string }

func TestReservedPayload(t *testing.T) {
	p := NewPeer(&Options{Discovery: beacon.New(&beacon.Options{
		Sources:  []beacon.Source{beacon.Fixed(netip.MustParseAddr("127.0.0.1"))},
		SendPort: beacon.AnyPort,
		RecvPort: beacon.AnyPort,
	})})
	defer p.Close()

	if err := p.Send(heartbeat); !errors.Is(err, ErrReservedPayload) {
		t.Errorf("Send heartbeat: got %v, want %v", err, ErrReservedPayload)
	}
	if err := p.Send([]byte("peerlink:heartbeat")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send: got %v, want %v", err, ErrNotConnected)
	}
}

func TestDisconnectedLogsState(t *testing.T) {
	var buf bytes.Buffer
	p := NewPeer(&Options{
		Discovery: beacon.New(&beacon.Options{
			Sources: []beacon.Source{beacon.Fixed(netip.MustParseAddr("127.0.0.1"))},
		}),
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	defer p.Close()

	p.state.Store(int32(StateConnected))
	l := &link{log: p.log}
	p.μ.Lock()
	p.disconnectedLocked(l, nil)
	p.disconnectedLocked(l, nil) // no effect
	p.μ.Unlock()

	if got := p.State(); got != StateDisconnected {
		t.Errorf("State: got %v, want %v", got, StateDisconnected)
	}
	if n := strings.Count(buf.String(), "state=disconnected"); n != 1 {
		t.Errorf("Log has %d disconnected state labels, want 1:\n%s", n, buf.String())
	}
	if diff := cmp.Diff([]Event{{Kind: EventDisconnected}}, p.events.drain()); diff != "" {
		t.Errorf("Events (-want, +got):\n%s", diff)
	}
}
