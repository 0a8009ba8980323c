package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/sigrelay/pkg/model"
	"github.com/n0ot/sigrelay/pkg/sigrelay"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel

	srv := &Server{
		Relay:             sigrelay.New(log, nil, 2),
		TimeBetweenPings:  time.Second,
		PingsUntilTimeout: 5,
		StatsPassword:     "hunter2",
		Log:               log,
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) model.PeerMessage {
	t.Helper()
	var msg model.PeerMessage
	require.NoError(t, json.Unmarshal(readFrame(t, ws), &msg))
	return msg
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	return frame
}

// join connects to channel and returns the id the relay assigned, having read the client's presence messages.
func join(t *testing.T, ts *httptest.Server, channel string, existing ...string) (*websocket.Conn, string) {
	t.Helper()
	ws := dial(t, ts, "/"+channel)
	you := readMessage(t, ws)
	require.Equal(t, model.TypeYou, you.Type)
	for _, id := range existing {
		assert.Equal(t, model.NewPeerConnectedMessage(id), readMessage(t, ws))
	}
	assert.Equal(t, model.NewPeerConnectedMessage(you.Peer.ID), readMessage(t, ws))
	return ws, you.Peer.ID
}

func TestWebsocketRejectsInvalidPath(t *testing.T) {
	long := strings.Repeat("a", 200)
	tests := []struct {
		path   string
		reason string
	}{
		{"/abc", "invalid path `abc`"},
		{"/", "invalid path ``"},
		{"/4a", "invalid path `4a`"},
		{"/42/x", "invalid path `42/x`"},
		{"/" + long, ("invalid path `" + long)[:maxCloseReasonBytes]},
		{"/%FF", "invalid path `\uFFFD`"},
	}

	for _, tt := range tests {
		t.Run(tt.path[:min(len(tt.path), 10)], func(t *testing.T) {
			srv, ts := newTestServer(t)
			ws := dial(t, ts, tt.path)

			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, _, err := ws.ReadMessage()
			require.Error(t, err)
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal(t, tt.reason, closeErr.Text)
			assert.Equal(t, 0, srv.Relay.Registry().Len())
		})
	}
}

func TestCloseReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   string
	}{
		{"short", "invalid path `abc`", "invalid path `abc`"},
		{"invalid utf8", "bad \xff\xfe", "bad \uFFFD"},
		{"exactly fits", strings.Repeat("a", maxCloseReasonBytes), strings.Repeat("a", maxCloseReasonBytes)},
		{"too long", strings.Repeat("a", 300), strings.Repeat("a", maxCloseReasonBytes)},
		// 41 three byte runes is 123 bytes, so the 42nd one is dropped whole.
		{"multibyte", strings.Repeat("€", 50), strings.Repeat("€", 41)},
		{"split rune", "a" + strings.Repeat("€", 50), "a" + strings.Repeat("€", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := closeReason(tt.reason)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), maxCloseReasonBytes)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestWebsocketRelay(t *testing.T) {
	srv, ts := newTestServer(t)

	a, aID := join(t, ts, "42")
	b, bID := join(t, ts, "42", aID)
	assert.Equal(t, model.NewPeerConnectedMessage(bID), readMessage(t, a))
	assert.NotEqual(t, aID, bID)

	offer := `{"type":"data-offer","target":"` + bID + `","offer":{"sdp":"v=0\r\n","type":"offer"}}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(offer)))
	assert.Equal(t, offer, string(readFrame(t, b)))

	// Junk is dropped; the connection stays up and later frames still arrive.
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping-experimental","target":"`+aID+`"}`)))
	answer := `{"type":"data-answer","target":"` + aID + `"}`
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(answer)))
	assert.Equal(t, answer, string(readFrame(t, a)))

	require.NoError(t, b.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, model.NewPeerDisconnectedMessage(bID), readMessage(t, a))

	assert.Eventually(t, func() bool {
		return srv.Relay.Registry().Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketAbruptDisconnect(t *testing.T) {
	_, ts := newTestServer(t)

	a, aID := join(t, ts, "1")
	b, bID := join(t, ts, "1", aID)
	assert.Equal(t, model.NewPeerConnectedMessage(bID), readMessage(t, a))

	b.UnderlyingConn().Close()
	assert.Equal(t, model.NewPeerDisconnectedMessage(bID), readMessage(t, a))
}

func TestClientSendAfterStop(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts, "/1")

	c := &client{
		conn: ws,
		send: make(chan []byte, 1),
		done: make(chan struct{}),
	}
	require.NoError(t, c.Send([]byte("one")))
	assert.Equal(t, errSendQueueFull, c.Send([]byte("two")))

	c.stop("test")
	c.stop("again")
	assert.True(t, c.Stopped())
	assert.Equal(t, "test", c.stoppedReason)
	assert.Equal(t, errClientStopped, c.Send([]byte("three")))
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	hs := httptest.NewServer(srv.HealthHandler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `[]`, string(body))
}

func TestStats(t *testing.T) {
	delay := wrongPasswordDelay
	wrongPasswordDelay = 0
	t.Cleanup(func() { wrongPasswordDelay = delay })
	srv, ts := newTestServer(t)
	hs := httptest.NewServer(srv.HealthHandler())
	defer hs.Close()

	a, aID := join(t, ts, "9")
	_, bID := join(t, ts, "10", aID)
	readMessage(t, a)
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"data-offer","target":"`+bID+`"}`)))

	get := func(password string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, hs.URL+"/stats", nil)
		require.NoError(t, err)
		if password != "" {
			req.Header.Set(StatsPasswordHeader, password)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	var errResp ErrorResponse
	resp := get("")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "no password", errResp.Error)

	resp = get("wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, ErrorResponse{Type: "error", Error: "wrong password"}, errResp)

	assert.Eventually(t, func() bool {
		return srv.Relay.Stats().Router.Forwarded == 1
	}, 5*time.Second, 10*time.Millisecond)
	resp = get("hunter2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "stats", stats.Type)
	assert.Equal(t, 2, stats.Stats.NumClients)
	assert.Equal(t, 2, stats.Stats.NumChannels)
	assert.Equal(t, uint64(1), stats.Stats.Router.Forwarded)
}

func TestStatsDisabledWithoutPassword(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.StatsPassword = ""
	hs := httptest.NewServer(srv.HealthHandler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeWSWithoutHandler(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeWS))
	defer ts.Close()

	// Browsers on other origins are let in.
	header := http.Header{"Origin": {"https://app.example.com"}}
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/3", header)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, model.TypeYou, readMessage(t, ws).Type)
	assert.Same(t, srv.wsUpgrader(), srv.wsUpgrader())
}

func TestListenTLSConcurrently(t *testing.T) {
	srv, _ := newTestServer(t)
	certFile, keyFile := writeTestCert(t)

	listeners := make(chan net.Listener, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener, err := srv.listenTLS("127.0.0.1:0", certFile, keyFile)
			if assert.NoError(t, err) {
				listeners <- listener
			}
		}()
	}
	wg.Wait()
	close(listeners)

	n := 0
	for listener := range listeners {
		n++
		listener.Close()
	}
	assert.Equal(t, 2, n)
	assert.Nil(t, srv.TLSConfig, "listening doesn't change the server's configuration")

	_, err := srv.listenTLS("127.0.0.1:0", "", "")
	assert.Error(t, err, "without a key pair or TLSConfig")
}

func TestListenAndServeTLS(t *testing.T) {
	srv, _ := newTestServer(t)
	certFile, keyFile := writeTestCert(t)

	// Both listeners start together, as the start command runs them.
	wsAddr, healthAddr := freeAddr(t), freeAddr(t)
	go srv.ListenAndServeTLS(wsAddr, certFile, keyFile)
	go srv.ListenAndServeHealthTLS(healthAddr, certFile, keyFile)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	assert.Eventually(t, func() bool {
		resp, err := client.Get("https://" + healthAddr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	dialer := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	var ws *websocket.Conn
	require.Eventually(t, func() bool {
		var err error
		ws, _, err = dialer.Dial("wss://"+wsAddr+"/1", nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer ws.Close()
	assert.Equal(t, model.TypeYou, readMessage(t, ws).Type)
}

// freeAddr finds a local address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

// writeTestCert writes a self-signed certificate for 127.0.0.1 and its key, returning their paths.
func writeTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sigrelay test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}
