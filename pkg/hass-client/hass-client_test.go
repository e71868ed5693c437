package hassclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const testToken = "secret-token"

// fakeHub is an in-process websocket server scripted per test. Every frame it
// reads is forwarded to the frames channel so the test goroutine can assert
// on the exact wire traffic.
type fakeHub struct {
	srv    *httptest.Server
	frames chan map[string]any
}

// hubConn wraps one accepted connection inside the handler goroutine. Its
// helpers report failure by returning false instead of failing the test,
// since FailNow must not be called off the test goroutine; the client side of
// the test surfaces the breakage.
type hubConn struct {
	hub  *fakeHub
	conn *websocket.Conn
	ctx  context.Context
}

func newFakeHub(t *testing.T, script func(h *hubConn)) *fakeHub {
	t.Helper()

	hub := &fakeHub{frames: make(chan map[string]any, 64)}
	hub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		script(&hubConn{hub: hub, conn: conn, ctx: r.Context()})
	}))
	t.Cleanup(hub.srv.Close)

	return hub
}

func (hub *fakeHub) config() Config {
	return Config{
		Server: strings.TrimPrefix(hub.srv.URL, "http://"),
		Token:  testToken,
	}
}

// nextFrame returns the next frame the hub read off any connection.
func (hub *fakeHub) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-hub.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (h *hubConn) read() (map[string]any, bool) {
	_, data, err := h.conn.Read(h.ctx)
	if err != nil {
		return nil, false
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, false
	}

	select {
	case h.hub.frames <- frame:
	default:
	}
	return frame, true
}

func (h *hubConn) write(format string, args ...any) bool {
	payload := fmt.Sprintf(format, args...)
	return h.conn.Write(h.ctx, websocket.MessageText, []byte(payload)) == nil
}

// handshake plays the server side of connect: auth challenge, auth_ok, then
// the automatic state_changed subscription. It returns the subscription id.
func (h *hubConn) handshake() (uint64, bool) {
	if !h.write(`{"type":"auth_required","ha_version":"2024.1.0"}`) {
		return 0, false
	}
	if _, ok := h.read(); !ok {
		return 0, false
	}
	if !h.write(`{"type":"auth_ok","ha_version":"2024.1.0"}`) {
		return 0, false
	}

	sub, ok := h.read()
	if !ok {
		return 0, false
	}
	id, ok := frameID(sub)
	if !ok {
		return 0, false
	}
	if !h.write(`{"id":%d,"type":"result","success":true,"result":null}`, id) {
		return 0, false
	}
	return id, true
}

// drain keeps reading until the client hangs up, so the connection stays open
// for the remainder of the test.
func (h *hubConn) drain() {
	for {
		if _, ok := h.read(); !ok {
			return
		}
	}
}

func frameID(frame map[string]any) (uint64, bool) {
	id, ok := frame["id"].(float64)
	if !ok {
		return 0, false
	}
	return uint64(id), true
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectPerformsHandshake(t *testing.T) {
	hub := newFakeHub(t, func(h *hubConn) {
		if _, ok := h.handshake(); !ok {
			return
		}
		h.drain()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer client.Close()

	auth := hub.nextFrame(t)
	assert.Equal(t, "auth", auth["type"])
	assert.Equal(t, testToken, auth["access_token"])
	assert.NotContains(t, auth, "id")

	subscribe := hub.nextFrame(t)
	assert.Equal(t, "subscribe_events", subscribe["type"])
	assert.Equal(t, "state_changed", subscribe["event_type"])
	assert.Equal(t, float64(1), subscribe["id"])

	sub := client.Subscribe()
	client.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok, "subscriptions must end when the client closes")

	_, err = client.Request(ctx, GetStates{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestInvalidAuthIsFatal(t *testing.T) {
	hub := newFakeHub(t, func(h *hubConn) {
		if !h.write(`{"type":"auth_required","ha_version":"2024.1.0"}`) {
			return
		}
		if _, ok := h.read(); !ok {
			return
		}
		h.write(`{"type":"auth_invalid","message":"Invalid access token"}`)
	})

	_, err := Connect(testContext(t), hub.config(), Options{})
	require.ErrorIs(t, err, ErrInvalidAuth)
}

func TestRequestResponseCorrelation(t *testing.T) {
	payloads := map[string]string{
		"get_states":                `[{"entity_id":"light.kitchen","state":"on","attributes":{}}]`,
		"config/area_registry/list": `[{"area_id":"kitchen","name":"Kitchen","picture":null,"aliases":[]}]`,
	}

	hub := newFakeHub(t, func(h *hubConn) {
		if _, ok := h.handshake(); !ok {
			return
		}

		first, ok := h.read()
		if !ok {
			return
		}
		second, ok := h.read()
		if !ok {
			return
		}

		// Reply to the later request first; correlation is by id, not order.
		for _, frame := range []map[string]any{second, first} {
			id, _ := frameID(frame)
			kind, _ := frame["type"].(string)
			if !h.write(`{"id":%d,"type":"result","success":true,"result":%s}`, id, payloads[kind]) {
				return
			}
		}
		h.drain()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{})
	require.NoError(t, err)
	defer client.Close()

	var (
		wg     sync.WaitGroup
		states []State
		areas  []Area
		errA   error
		errB   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		states, errA = client.GetStates(ctx)
	}()
	go func() {
		defer wg.Done()
		areas, errB = client.ListAreas(ctx)
	}()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Len(t, states, 1)
	require.Len(t, areas, 1)
	assert.Equal(t, "light.kitchen", states[0].EntityID)
	assert.Equal(t, "on", states[0].State)
	assert.Equal(t, "kitchen", areas[0].AreaID)
}

func TestServerErrorResolvesRequest(t *testing.T) {
	hub := newFakeHub(t, func(h *hubConn) {
		if _, ok := h.handshake(); !ok {
			return
		}

		frame, ok := h.read()
		if !ok {
			return
		}
		id, _ := frameID(frame)
		if !h.write(`{"id":%d,"type":"result","success":false,"error":{"code":"not_found","message":"entity not found"}}`, id) {
			return
		}
		h.drain()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{})
	require.NoError(t, err)
	defer client.Close()

	err = client.CallService(ctx, TurnOffLight("light.nope"))

	var resultErr *ResultError
	require.ErrorAs(t, err, &resultErr)
	assert.Equal(t, "not_found", resultErr.Code)
}

func TestEventFanOut(t *testing.T) {
	eventFrame := `{"id":%d,"type":"event","event":{"event_type":"state_changed",` +
		`"data":{"entity_id":"light.kitchen","old_state":{"state":"off"},"new_state":{"state":"on"}}}}`

	hub := newFakeHub(t, func(h *hubConn) {
		subID, ok := h.handshake()
		if !ok {
			return
		}

		// The barrier request tells us the test has finished subscribing.
		frame, ok := h.read()
		if !ok {
			return
		}
		id, _ := frameID(frame)
		if !h.write(`{"id":%d,"type":"result","success":true,"result":[]}`, id) {
			return
		}
		if !h.write(eventFrame, subID) {
			return
		}
		h.drain()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{})
	require.NoError(t, err)
	defer client.Close()

	first := client.Subscribe()
	second := client.Subscribe()
	defer first.Close()
	defer second.Close()

	_, err = client.GetStates(ctx)
	require.NoError(t, err)

	receive := func(sub *Subscription) Event {
		select {
		case event := <-sub.Events():
			return event
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for an event")
			return Event{}
		}
	}

	for _, sub := range []*Subscription{first, second} {
		event := receive(sub)
		assert.Equal(t, EventStateChanged, event.Type)
		assert.Equal(t, "light.kitchen", event.StateChange.EntityID)
		assert.JSONEq(t, `{"state":"on"}`, string(event.StateChange.NewState))
	}

	// Registered after delivery; must not see the event.
	late := client.Subscribe()
	defer late.Close()
	assert.Empty(t, late.Events())
}

func TestPendingRequestFailsOnDisconnect(t *testing.T) {
	hub := newFakeHub(t, func(h *hubConn) {
		if _, ok := h.handshake(); !ok {
			return
		}
		// Read the request, then hang up without answering.
		h.read()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{ReconnectAttempts: -1})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Request(ctx, GetStates{})
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestReconnectReplaysAuthAndSubscription(t *testing.T) {
	eventFrame := `{"id":%d,"type":"event","event":{"event_type":"state_changed",` +
		`"data":{"entity_id":"light.hall","old_state":{"state":"on"},"new_state":{"state":"off"}}}}`

	var conns atomic.Int32
	hub := newFakeHub(t, func(h *hubConn) {
		subID, ok := h.handshake()
		if !ok {
			return
		}

		if conns.Add(1) == 1 {
			// Drop the first connection right after readiness.
			return
		}

		if !h.write(eventFrame, subID) {
			return
		}
		h.drain()
	})

	ctx := testContext(t)
	client, err := Connect(ctx, hub.config(), Options{ReconnectAttempts: 3})
	require.NoError(t, err)
	defer client.Close()

	sub := client.Subscribe()
	defer sub.Close()

	// The event arrives on the second connection, proving the client redialed
	// and replayed both the auth handshake and the event subscription.
	select {
	case event := <-sub.Events():
		assert.Equal(t, "light.hall", event.StateChange.EntityID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for an event after reconnect")
	}

	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}
