package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/jsoncodec"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	failWrite bool
	closed    bool
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeConn) lastFrame(t *testing.T) Frame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		t.Fatal("expected at least one delivered frame")
	}
	var frame Frame
	if err := jsoncodec.Unmarshal(f.frames[len(f.frames)-1], &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func newTestHub() *Hub {
	return NewHub(nil, prometheus.NewRegistry())
}

func TestBroadcastUserReachesAllUserConnections(t *testing.T) {
	hub := newTestHub()

	phone := &fakeConn{}
	laptop := &fakeConn{}
	other := &fakeConn{}
	hub.RegisterUser("alice", phone)
	hub.RegisterUser("alice", laptop)
	hub.RegisterUser("bob", other)

	hub.BroadcastUser("alice", FrameTimeoutWarning, map[string]string{"order_number": "M-100"})

	if phone.frameCount() != 1 || laptop.frameCount() != 1 {
		t.Fatalf("expected both alice connections to receive the frame, got %d and %d",
			phone.frameCount(), laptop.frameCount())
	}
	if other.frameCount() != 0 {
		t.Fatal("bob must not receive alice's notification")
	}

	frame := phone.lastFrame(t)
	if frame.Type != FrameTimeoutWarning {
		t.Fatalf("unexpected frame type %q", frame.Type)
	}
	if frame.Timestamp.IsZero() {
		t.Fatal("expected a stamped frame")
	}
}

func TestBroadcastSystemReachesAdminsOnly(t *testing.T) {
	hub := newTestHub()

	admin := &fakeConn{}
	user := &fakeConn{}
	hub.RegisterAdmin("ops", admin)
	hub.RegisterUser("alice", user)

	hub.BroadcastSystem(FrameSystemAlert, map[string]string{"severity": "HIGH"})

	if admin.frameCount() != 1 {
		t.Fatalf("expected the admin to receive the alert, got %d", admin.frameCount())
	}
	if user.frameCount() != 0 {
		t.Fatal("plain users must not receive system alerts")
	}
}

func TestAdminUpgradeKeepsUserDelivery(t *testing.T) {
	hub := newTestHub()

	conn := &fakeConn{}
	hub.RegisterUser("ops", conn)
	hub.RegisterAdmin("ops", conn)

	if hub.ConnectionCount() != 1 {
		t.Fatalf("upgrade must not duplicate the connection, got %d", hub.ConnectionCount())
	}

	hub.BroadcastUser("ops", FrameTimeoutAlert, nil)
	hub.BroadcastSystem(FrameSystemAlert, nil)

	if conn.frameCount() != 2 {
		t.Fatalf("expected both the user and system frames, got %d", conn.frameCount())
	}
}

func TestFailedWriteDropsOnlyThatConnection(t *testing.T) {
	hub := newTestHub()

	broken := &fakeConn{failWrite: true}
	healthy := &fakeConn{}
	hub.RegisterUser("alice", broken)
	hub.RegisterUser("alice", healthy)

	hub.BroadcastUser("alice", FrameTimeoutWarning, nil)

	if healthy.frameCount() != 1 {
		t.Fatal("a failing peer must not block delivery to healthy connections")
	}
	if !broken.closed {
		t.Fatal("expected the failing connection to be closed")
	}
	if hub.ConnectionCount() != 1 {
		t.Fatalf("expected the failing connection to be dropped, got %d", hub.ConnectionCount())
	}

	// Subsequent broadcasts skip the dropped connection entirely.
	hub.BroadcastUser("alice", FrameTimeoutAlert, nil)
	if healthy.frameCount() != 2 {
		t.Fatalf("expected continued delivery, got %d", healthy.frameCount())
	}
}

func TestUnregister(t *testing.T) {
	hub := newTestHub()

	conn := &fakeConn{}
	hub.RegisterUser("alice", conn)
	hub.Unregister(conn)
	hub.Unregister(conn) // unknown connections are ignored

	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected no connections, got %d", hub.ConnectionCount())
	}

	hub.BroadcastUser("alice", FrameTimeoutWarning, nil)
	if conn.frameCount() != 0 {
		t.Fatal("unregistered connections must not receive frames")
	}
}

// overlapDetectingConn flags WriteMessage calls that run concurrently, which
// gorilla/websocket connections do not tolerate.
type overlapDetectingConn struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
	writes   atomic.Int32
}

func (c *overlapDetectingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *overlapDetectingConn) WriteMessage(int, []byte) error {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	c.inFlight.Add(-1)
	c.writes.Add(1)
	return nil
}

func (c *overlapDetectingConn) Close() error { return nil }

func TestConcurrentBroadcastsSerializeWritesPerConnection(t *testing.T) {
	hub := newTestHub()

	conn := &overlapDetectingConn{}
	hub.RegisterAdmin("ops", conn)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.BroadcastUser("ops", FrameTimeoutWarning, nil)
			hub.BroadcastSystem(FrameSystemAlert, nil)
		}()
	}
	wg.Wait()

	if got := conn.overlaps.Load(); got != 0 {
		t.Fatalf("detected %d overlapping writes to one connection", got)
	}
	if got := conn.writes.Load(); got != writers*2 {
		t.Fatalf("expected %d delivered frames, got %d", writers*2, got)
	}
}

func TestBroadcastRecommendations(t *testing.T) {
	hub := newTestHub()

	conn := &fakeConn{}
	hub.RegisterUser("alice", conn)

	hub.BroadcastRecommendations("alice", []string{"S-1", "S-2"})

	frame := conn.lastFrame(t)
	if frame.Type != FrameRecommendations {
		t.Fatalf("unexpected frame type %q", frame.Type)
	}
}
