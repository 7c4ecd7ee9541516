package webhooks

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenith/forensics/internal/events"
	"github.com/zenith/forensics/internal/monitor"
)

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	status  int
}

func (c *capture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := c.status
		c.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) last() ([]byte, http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[len(c.bodies)-1], c.headers[len(c.headers)-1]
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&Subscription{URL: ""}))
	assert.Error(t, r.Register(&Subscription{URL: "http://x", Events: nil}))

	sub := &Subscription{URL: "http://x", Events: []EventType{EventCaseSealed}}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	assert.Len(t, r.GetSubscribers(EventCaseSealed), 1)
	require.NoError(t, r.Unregister(sub.ID))
	assert.Empty(t, r.GetSubscribers(EventCaseSealed))
	assert.Error(t, r.Unregister(sub.ID))
}

func TestDispatcherSignsAndDelivers(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventAlertRaised},
		Secret: "rahasia",
	}))

	d := NewDispatcher(reg, 2, "")
	d.pause = func(time.Duration) {}
	defer d.Shutdown()

	d.Emit(EventAlertRaised, "proj-a", map[string]interface{}{"alert_type": "GPS_ANOMALY"})

	require.Eventually(t, func() bool { return cap.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	body, hdr := cap.last()

	assert.Equal(t, string(EventAlertRaised), hdr.Get("X-Zenith-Event-Type"))
	assert.Equal(t, "1", hdr.Get("X-Zenith-Delivery-Attempt"))

	want := "sha256=" + SignPayload(body, "rahasia")
	assert.True(t, hmac.Equal([]byte(want), []byte(hdr.Get("X-Zenith-Signature"))))
}

func TestDispatcherDefaultSecret(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{URL: srv.URL, Events: []EventType{EventCaseSealed}}))

	d := NewDispatcher(reg, 1, "kunci-bersama")
	defer d.Shutdown()

	d.Emit(EventCaseSealed, "proj-a", nil)
	require.Eventually(t, func() bool { return cap.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	body, hdr := cap.last()
	assert.Equal(t, "sha256="+SignPayload(body, "kunci-bersama"), hdr.Get("X-Zenith-Signature"))
}

func TestProjectScopedSubscription(t *testing.T) {
	capA := &capture{}
	srvA := httptest.NewServer(capA.handler())
	defer srvA.Close()
	capAll := &capture{}
	srvAll := httptest.NewServer(capAll.handler())
	defer srvAll.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL: srvA.URL, Events: []EventType{EventAnomalyDetected}, ProjectID: "proj-a",
	}))
	require.NoError(t, reg.Register(&Subscription{
		URL: srvAll.URL, Events: []EventType{EventAnomalyDetected},
	}))

	d := NewDispatcher(reg, 1, "")
	defer d.Shutdown()

	d.Emit(EventAnomalyDetected, "proj-b", nil)
	d.Emit(EventAnomalyDetected, "proj-a", nil)

	require.Eventually(t, func() bool { return capAll.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, capA.count(), "scoped hook only sees its project")
}

func TestFailingEndpointGetsDisabled(t *testing.T) {
	cap := &capture{status: http.StatusInternalServerError}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	sub := &Subscription{URL: srv.URL, Events: []EventType{EventBatchFailed}}
	require.NoError(t, reg.Register(sub))

	d := NewDispatcher(reg, 1, "")
	defer d.Shutdown()

	for i := 0; i < 10; i++ {
		d.Emit(EventBatchFailed, "proj-a", nil)
		require.Eventually(t, func() bool { return cap.count() == i+1 }, 2*time.Second, 10*time.Millisecond)
	}

	assert.False(t, reg.ListAll()[0].Active, "ten failures disable the hook")
	// Further emits find no active subscriber.
	d.Emit(EventBatchFailed, "proj-a", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 10, cap.count())
}

func TestBridgeRelaysBusAndAlerts(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler())
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Subscription{
		URL:    srv.URL,
		Events: []EventType{EventCaseSealed, EventAlertRaised},
	}))

	d := NewDispatcher(reg, 1, "")
	defer d.Shutdown()

	bus := events.NewBus()
	bridge := NewBridge(bus, d)
	defer bridge.Close()

	bus.Emit(context.Background(), events.CaseClosed, "proj-a", map[string]interface{}{"case_id": "c1"})
	bridge.Notify(context.Background(), &monitor.Alert{ID: "a1", ProjectID: "proj-a", AlertType: "GPS_ANOMALY"})

	require.Eventually(t, func() bool { return cap.count() == 2 }, 2*time.Second, 10*time.Millisecond)
}
