package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/codeblocks"
	"github.com/MarcoPoloResearchLab/codeblocks/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const testOrigin = "https://editor.example.com"

type memoryStore struct {
	blocks map[string]codeblocks.CodeBlock
}

func (s memoryStore) GetBlock(_ context.Context, blockID string) (*codeblocks.CodeBlock, error) {
	block, ok := s.blocks[blockID]
	if !ok {
		return nil, nil
	}
	return &block, nil
}

func (s memoryStore) CorrectCode(_ context.Context, blockID string) (string, bool, error) {
	block, ok := s.blocks[blockID]
	return block.CorrectCode, ok, nil
}

type rateRecorder struct {
	limited atomic.Int64
}

func (r *rateRecorder) ConnectionOpened() {}
func (r *rateRecorder) ConnectionClosed() {}
func (r *rateRecorder) FrameDropped()     {}
func (r *rateRecorder) EventReceived(_, outcome string) {
	if outcome == "rate_limited" {
		r.limited.Add(1)
	}
}

type realtimeFixture struct {
	server   *httptest.Server
	hub      *Hub
	registry *session.Registry
}

func newRealtimeFixture(t *testing.T, recorder Recorder, eventsPerSecond float64, burst int) realtimeFixture {
	t.Helper()
	hub := NewHub(zap.NewNop(), recorder)
	registry := session.NewRegistry()
	coordinator, err := session.NewCoordinator(session.CoordinatorConfig{
		Store: memoryStore{blocks: map[string]codeblocks.CodeBlock{
			"b1": {BlockID: "b1", Title: "Sum", Code: "", CorrectCode: "return a+b;"},
		}},
		Registry:    registry,
		Broadcaster: hub,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	endpoint, err := NewEndpoint(EndpointConfig{
		Hub:             hub,
		Handler:         coordinator,
		AllowedOrigin:   testOrigin,
		EventsPerSecond: eventsPerSecond,
		EventBurst:      burst,
		Logger:          zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct endpoint: %v", err)
	}
	server := httptest.NewServer(endpoint)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return realtimeFixture{server: server, hub: hub, registry: registry}
}

func (f realtimeFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("failed to send %s: %v", event, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) inboundEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var envelope inboundEnvelope
	if err := conn.ReadJSON(&envelope); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return envelope
}

func readRole(t *testing.T, conn *websocket.Conn) session.RolePayload {
	t.Helper()
	envelope := readEvent(t, conn)
	if envelope.Event != session.EventRole {
		t.Fatalf("expected role event, got %s: %s", envelope.Event, envelope.Data)
	}
	var payload session.RolePayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("failed to decode role payload: %v", err)
	}
	return payload
}

func waitFor(t *testing.T, condition func() bool, description string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestEndpointRejectsDisallowedOrigin(t *testing.T) {
	fixture := newRealtimeFixture(t, nil, 0, 0)

	for _, origin := range []string{"https://evil.example.com", ""} {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http")
		_, response, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err == nil {
			t.Fatalf("expected origin %q to be rejected", origin)
		}
		if response == nil || response.StatusCode != http.StatusForbidden {
			t.Fatalf("expected forbidden status for origin %q, got %#v", origin, response)
		}
	}
}

func TestEndpointJoinAndCodeChangeRoundTrip(t *testing.T) {
	fixture := newRealtimeFixture(t, nil, 0, 0)
	mentor := fixture.dial(t)
	student := fixture.dial(t)
	bystander := fixture.dial(t)

	sendEvent(t, mentor, session.EventJoin, map[string]string{"blockId": "b1"})
	mentorRole := readRole(t, mentor)
	if mentorRole.Role != session.RoleMentor || mentorRole.Block.CorrectCode != "return a+b;" {
		t.Fatalf("unexpected mentor role payload %#v", mentorRole)
	}

	sendEvent(t, student, session.EventJoin, map[string]string{"blockId": "b1"})
	if role := readRole(t, student); role.Role != session.RoleStudent {
		t.Fatalf("expected student role, got %s", role.Role)
	}

	waitFor(t, func() bool { return fixture.hub.ConnectionCount() == 3 }, "three registered connections")
	sendEvent(t, student, session.EventCodeChange, map[string]string{"code": "return a + b ;", "blockId": "b1"})

	for _, conn := range []*websocket.Conn{mentor, student, bystander} {
		envelope := readEvent(t, conn)
		if envelope.Event != session.EventCodeUpdate {
			t.Fatalf("expected codeUpdate, got %s", envelope.Event)
		}
		var update session.CodeUpdatePayload
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			t.Fatalf("failed to decode update: %v", err)
		}
		if update.Code != "return a + b ;" || !update.IsCorrect {
			t.Fatalf("unexpected update %#v", update)
		}
	}
}

func TestEndpointJoinWithoutBlockIDEmitsError(t *testing.T) {
	fixture := newRealtimeFixture(t, nil, 0, 0)
	conn := fixture.dial(t)

	sendEvent(t, conn, session.EventJoin, map[string]string{})

	envelope := readEvent(t, conn)
	if envelope.Event != session.EventError {
		t.Fatalf("expected error event, got %s", envelope.Event)
	}
	if string(envelope.Data) != `{"message":"blockId is undefined"}` {
		t.Fatalf("unexpected error payload %s", envelope.Data)
	}
}

func TestEndpointDisconnectReleasesMentor(t *testing.T) {
	fixture := newRealtimeFixture(t, nil, 0, 0)
	mentor := fixture.dial(t)

	sendEvent(t, mentor, session.EventJoin, map[string]string{"blockId": "b1"})
	readRole(t, mentor)
	_ = mentor.Close()

	waitFor(t, func() bool {
		_, claimed := fixture.registry.Mentor("b1")
		return !claimed
	}, "mentor slot release")

	next := fixture.dial(t)
	sendEvent(t, next, session.EventJoin, map[string]string{"blockId": "b1"})
	if role := readRole(t, next); role.Role != session.RoleMentor {
		t.Fatalf("expected next joiner to become mentor, got %s", role.Role)
	}
}

func TestEndpointRateLimitsInboundEvents(t *testing.T) {
	recorder := &rateRecorder{}
	fixture := newRealtimeFixture(t, recorder, 0.001, 1)
	conn := fixture.dial(t)

	sendEvent(t, conn, session.EventJoin, map[string]string{"blockId": "b1"})
	sendEvent(t, conn, session.EventJoin, map[string]string{"blockId": "b1"})

	if role := readRole(t, conn); role.Role != session.RoleMentor {
		t.Fatalf("expected first join to be handled")
	}
	waitFor(t, func() bool { return recorder.limited.Load() == 1 }, "second join to be rate limited")
}

func TestEndpointWithoutLimiterAnswersEveryJoin(t *testing.T) {
	recorder := &rateRecorder{}
	fixture := newRealtimeFixture(t, recorder, 0, 0)
	conn := fixture.dial(t)

	const joins = 20
	for i := 0; i < joins; i++ {
		sendEvent(t, conn, session.EventJoin, map[string]string{"blockId": "b1"})
	}

	if role := readRole(t, conn); role.Role != session.RoleMentor {
		t.Fatalf("expected first join to claim the mentor slot, got %s", role.Role)
	}
	for i := 1; i < joins; i++ {
		if role := readRole(t, conn); role.Role != session.RoleStudent {
			t.Fatalf("join %d: expected student role, got %s", i, role.Role)
		}
	}
	if limited := recorder.limited.Load(); limited != 0 {
		t.Fatalf("expected no rate limited events, got %d", limited)
	}
}

func TestNewEndpointValidatesConfig(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	if _, err := NewEndpoint(EndpointConfig{Handler: nil, Hub: hub, AllowedOrigin: testOrigin}); err != errMissingHandler {
		t.Fatalf("expected missing handler error, got %v", err)
	}
	if _, err := NewEndpoint(EndpointConfig{AllowedOrigin: testOrigin}); err != errMissingHub {
		t.Fatalf("expected missing hub error, got %v", err)
	}
	coordinator, _ := session.NewCoordinator(session.CoordinatorConfig{
		Store:       memoryStore{},
		Registry:    session.NewRegistry(),
		Broadcaster: hub,
	})
	if _, err := NewEndpoint(EndpointConfig{Hub: hub, Handler: coordinator, AllowedOrigin: "not-an-origin"}); err == nil {
		t.Fatalf("expected invalid origin error")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	normalized, ok := NormalizeOrigin("HTTPS://Editor.Example.com/path")
	if !ok || normalized != "https://editor.example.com" {
		t.Fatalf("unexpected normalization %q (ok=%v)", normalized, ok)
	}
	if _, ok := NormalizeOrigin("editor.example.com"); ok {
		t.Fatalf("expected origin without scheme to be rejected")
	}
}
