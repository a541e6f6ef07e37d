package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/therealutkarshpriyadarshi/resettime/internal/metrics"
	"github.com/therealutkarshpriyadarshi/resettime/pkg/types"
)

// fakeOBS speaks enough obs-websocket v5 to identify a client and record requests
type fakeOBS struct {
	password string
	requests chan request
	rejectID string
	// closeAfter drops each connection after that many requests when > 0
	closeAfter int
}

func (f *fakeOBS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	h := hello{ObsWebSocketVersion: "5.0.0", RPCVersion: 1}
	if f.password != "" {
		h.Authentication = &authChallenge{Challenge: "challenge", Salt: "salt"}
	}
	if err := writeMessage(conn, opHello, h); err != nil {
		return
	}

	var id identify
	if err := readMessage(conn, opIdentify, &id); err != nil {
		return
	}
	if f.password != "" && id.Authentication != expectedAuth(f.password, "salt", "challenge") {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4009, "Authentication failed."),
			time.Now().Add(time.Second))
		return
	}
	if err := writeMessage(conn, opIdentified, identified{NegotiatedRPCVersion: 1}); err != nil {
		return
	}

	for served := 0; ; {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != opRequest {
			continue
		}

		var raw struct {
			RequestType string           `json:"requestType"`
			RequestID   string           `json:"requestId"`
			RequestData setInputSettings `json:"requestData"`
		}
		if err := json.Unmarshal(msg.D, &raw); err != nil {
			return
		}
		f.requests <- request{RequestType: raw.RequestType, RequestID: raw.RequestID, RequestData: raw.RequestData}
		served++
		if f.closeAfter > 0 && served >= f.closeAfter {
			return
		}

		resp := requestResponse{
			RequestType:   raw.RequestType,
			RequestID:     raw.RequestID,
			RequestStatus: requestStatus{Result: true, Code: 100},
		}
		if raw.RequestData.InputName == f.rejectID {
			resp.RequestStatus = requestStatus{Result: false, Code: 600, Comment: "No source was found"}
		}
		if err := writeMessage(conn, opRequestResponse, resp); err != nil {
			return
		}
	}
}

func expectedAuth(password, salt, challenge string) string {
	first := sha256.Sum256([]byte(password + salt))
	second := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(first[:]) + challenge))
	return base64.StdEncoding.EncodeToString(second[:])
}

func startFakeOBS(t *testing.T, obs *fakeOBS) (string, int) {
	t.Helper()
	server := httptest.NewServer(obs)
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for overlay event")
		return Event{}
	}
}

func nextRequest(t *testing.T, obs *fakeOBS) request {
	t.Helper()
	select {
	case req := <-obs.requests:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for request")
		return request{}
	}
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestClientSetsText(t *testing.T) {
	obs := &fakeOBS{password: "secret", requests: make(chan request, 8), rejectID: "missing"}
	host, port := startFakeOBS(t, obs)

	collector := metrics.NewCollector()
	c := New(Config{Host: host, Port: port, Password: "secret", Metrics: collector})
	runClient(t, c)

	if ev := nextEvent(t, c); ev.Kind != EventConnected {
		t.Fatalf("Expected connected event, got %+v", ev)
	}

	// A rejected request does not drop the connection
	if !TrySend(c.Requests(), types.TextRequest{Element: "missing", Text: "x"}) {
		t.Fatal("TrySend should accept into an empty queue")
	}
	nextRequest(t, obs)

	if !TrySend(c.Requests(), types.TextRequest{Element: "slimetime", Text: "Reset #1 00:05"}) {
		t.Fatal("TrySend should accept into an empty queue")
	}
	req := nextRequest(t, obs)

	if req.RequestType != "SetInputSettings" {
		t.Errorf("Unexpected request type %s", req.RequestType)
	}
	data := req.RequestData.(setInputSettings)
	if data.InputName != "slimetime" || data.InputSettings.Text != "Reset #1 00:05" {
		t.Errorf("Unexpected request data %+v", data)
	}

	select {
	case ev := <-c.Events():
		t.Errorf("Unexpected event after rejected request: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	if !c.Connected() {
		t.Error("Expected client to report connected")
	}
	if got := testutil.ToFloat64(collector.OverlayConnected); got != 1 {
		t.Errorf("Expected connected gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(collector.OverlayRequests.WithLabelValues("sent")); got != 2 {
		t.Errorf("Expected 2 sent requests, got %v", got)
	}
}

func TestClientAuthFailure(t *testing.T) {
	obs := &fakeOBS{password: "secret", requests: make(chan request, 1)}
	host, port := startFakeOBS(t, obs)

	c := New(Config{Host: host, Port: port, Password: "wrong", RetryInterval: 20 * time.Millisecond})
	runClient(t, c)

	if ev := nextEvent(t, c); ev.Kind != EventDisconnected {
		t.Fatalf("Expected disconnected event, got %+v", ev)
	}
	ev := nextEvent(t, c)
	if ev.Kind != EventError || ev.Err == "" {
		t.Fatalf("Expected error event with a message, got %+v", ev)
	}

	// Keeps retrying
	if ev := nextEvent(t, c); ev.Kind != EventDisconnected {
		t.Fatalf("Expected another attempt, got %+v", ev)
	}
}

func TestClientReconnectsAfterConnectionLoss(t *testing.T) {
	obs := &fakeOBS{requests: make(chan request, 8), closeAfter: 1}
	host, port := startFakeOBS(t, obs)

	c := New(Config{Host: host, Port: port, RetryInterval: 20 * time.Millisecond})
	runClient(t, c)

	if ev := nextEvent(t, c); ev.Kind != EventConnected {
		t.Fatalf("Expected connected event, got %+v", ev)
	}

	TrySend(c.Requests(), types.TextRequest{Element: "slimetime", Text: "x"})
	nextRequest(t, obs)

	if ev := nextEvent(t, c); ev.Kind != EventDisconnected {
		t.Fatalf("Expected disconnected event, got %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventError {
		t.Fatalf("Expected error event, got %+v", ev)
	}
	if ev := nextEvent(t, c); ev.Kind != EventConnected {
		t.Fatalf("Expected reconnect, got %+v", ev)
	}
}

func TestRateLimitDropsRequests(t *testing.T) {
	obs := &fakeOBS{requests: make(chan request, 8)}
	host, port := startFakeOBS(t, obs)

	collector := metrics.NewCollector()
	c := New(Config{
		Host:                 host,
		Port:                 port,
		QueueSize:            8,
		MaxRequestsPerSecond: 0.001,
		Burst:                1,
		Metrics:              collector,
	})

	for i := 0; i < 3; i++ {
		TrySend(c.Requests(), types.TextRequest{Element: "slimetime", Text: strconv.Itoa(i)})
	}
	runClient(t, c)

	nextEvent(t, c)
	nextRequest(t, obs)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(collector.OverlayRequests.WithLabelValues("rate_limited")) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Expected 2 rate limited requests, got %v",
		testutil.ToFloat64(collector.OverlayRequests.WithLabelValues("rate_limited")))
}

func TestTrySend(t *testing.T) {
	ch := make(chan types.TextRequest, 2)

	if !TrySend(ch, types.TextRequest{Element: "a"}) || !TrySend(ch, types.TextRequest{Element: "b"}) {
		t.Fatal("Expected the first two requests to be queued")
	}
	if TrySend(ch, types.TextRequest{Element: "c"}) {
		t.Error("Expected a full queue to drop the request")
	}
	if TrySend(nil, types.TextRequest{Element: "d"}) {
		t.Error("Expected a nil queue to drop the request")
	}
}

func TestAuthResponse(t *testing.T) {
	got := authResponse("supersecretpassword", "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=", "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=")
	want := expectedAuth("supersecretpassword", "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI=", "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY=")
	if got != want {
		t.Errorf("authResponse() = %s, want %s", got, want)
	}
}
