package server_test

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hellosock/internal/server"
	"github.com/Tyrowin/hellosock/internal/testhelpers"
)

// TestStaticPage verifies that the root path returns the fixed file's bytes.
func TestStaticPage(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, testPage, string(body))
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	head := testhelpers.MakeRequest(t, http.MethodHead, ts.URL+"/")
	testhelpers.AssertStatusCode(t, head, http.StatusOK)
}

// TestUndefinedRoutes verifies unknown paths fall through to the router's 404
// without affecting later requests.
func TestUndefinedRoutes(t *testing.T) {
	_, ts, _ := newTestServer(t, nil)

	for _, path := range []string{"/nope", "/index.html", "/hello/extra"} {
		t.Run(path, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+path)
			testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
		})
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
}

func TestMissingStaticFile(t *testing.T) {
	_, ts, _ := newTestServer(t, func(cfg *server.Config) {
		cfg.StaticFile = filepath.Join(t.TempDir(), "absent.html")
	})

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusNotFound)
}

func TestNamespaceEndpointRejectsPlainRequests(t *testing.T) {
	srv, ts, _ := newTestServer(t, nil)
	srv.Of("/hello")

	t.Run("POST", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/hello", "text/plain", strings.NewReader("test"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	})

	t.Run("GET without upgrade headers", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, ts.URL+"/hello")
		testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
	})
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	srv, ts, logs := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example"}
	})
	ns := srv.Of("/hello")
	url := testhelpers.WebSocketURL(ts.URL, "/hello")

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{}
	header.Set("Origin", "http://evil.example")

	conn, resp, err := dialer.Dial(url, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, logs.FilterMessage("blocked websocket connection from disallowed origin").Len())
	assert.Equal(t, 0, ns.Sockets())

	allowed := testhelpers.ConnectWebSocket(t, url, "http://allowed.example")
	testhelpers.ReadConnect(t, allowed)
}
