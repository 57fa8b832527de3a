package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4citeB4U/familyreunion/internal/metrics"
	"github.com/4citeB4U/familyreunion/internal/relay"
	"github.com/4citeB4U/familyreunion/internal/signaling"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *relay.Hub) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.NewRelay(reg)
	require.NoError(t, err)
	hub := relay.NewHub(relay.Options{Logger: zerolog.Nop(), Metrics: m})
	opts.Gatherer = reg

	srv := httptest.NewServer(NewRouter(hub, opts))
	t.Cleanup(srv.Close)
	return srv, hub
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
	id   signaling.ClientID
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	ack := c.read()
	require.Equal(t, signaling.TypeConnection, ack.Type)
	require.NotEmpty(t, ack.ClientID)
	c.id = ack.ClientID
	return c
}

func (c *wsClient) send(env signaling.Envelope) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(env))
}

func (c *wsClient) read() *signaling.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := signaling.Decode(data)
	require.NoError(c.t, err)
	return env
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "healthy")
}

func TestRoomLifecycleOverWebsocket(t *testing.T) {
	srv, hub := newTestServer(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)

	a.send(signaling.Envelope{Type: signaling.TypeCreateRoom, RoomKind: "audio"})
	created := a.read()
	require.Equal(t, signaling.TypeRoomCreated, created.Type)
	assert.Equal(t, "audio", created.RoomKind)
	info := a.read()
	require.Equal(t, signaling.TypeRoomInfo, info.Type)
	assert.Equal(t, []signaling.ClientID{a.id}, info.Members)

	b.send(signaling.Envelope{Type: signaling.TypeJoinRoom, RoomID: created.RoomID})
	joined := a.read()
	assert.Equal(t, signaling.TypeUserJoined, joined.Type)
	assert.Equal(t, b.id, joined.ClientID)
	bInfo := b.read()
	assert.Equal(t, []signaling.ClientID{a.id, b.id}, bInfo.Members)

	b.send(signaling.Envelope{Type: signaling.TypeSignal, Target: a.id, Payload: []byte(`{"kind":"offer","sdp":"v=0"}`)})
	sig := a.read()
	assert.Equal(t, signaling.TypeSignal, sig.Type)
	assert.Equal(t, b.id, sig.From)
	assert.JSONEq(t, `{"kind":"offer","sdp":"v=0"}`, string(sig.Payload))

	b.send(signaling.Envelope{Type: signaling.TypePing})
	assert.Equal(t, signaling.TypePong, b.read().Type)

	b.conn.Close()
	left := a.read()
	assert.Equal(t, signaling.TypeUserLeft, left.Type)
	assert.Equal(t, b.id, left.ClientID)
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameReportsError(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	c := dial(t, srv)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	env := c.read()
	require.Equal(t, signaling.TypeError, env.Type)
	assert.Equal(t, signaling.CodeMalformedEnvelope, env.Error.Code)

	c.send(signaling.Envelope{Type: signaling.TypeJoinRoom, RoomID: "missing"})
	env = c.read()
	assert.Equal(t, signaling.CodeNotFound, env.Error.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	dial(t, srv)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "familyreunion_relay_connections 1")
}

func TestCheckOrigin(t *testing.T) {
	srv, _ := newTestServer(t, Options{AllowedOrigins: []string{"family.example"}})

	header := http.Header{"Origin": []string{"https://family.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	conn.Close()

	header = http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	check := checkOrigin(nil)
	assert.True(t, check(httptest.NewRequest(http.MethodGet, "/ws", nil)))
}
