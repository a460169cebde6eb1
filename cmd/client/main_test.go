package main

import (
	"bytes"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/hellosock/internal/greeter"
	"github.com/Tyrowin/hellosock/internal/server"
	"github.com/Tyrowin/hellosock/internal/testhelpers"
)

func TestRootCommandGreetsAndSendsWorld(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, logs := testhelpers.NewObservedLogger()
	cfg := server.NewConfig()
	cfg.StaticFile = testhelpers.WriteStaticFile(t, "<html></html>")
	srv := server.New(cfg, logger)
	greeter.Register(srv.Of(cfg.Namespace), logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{
		"--url", testhelpers.WebSocketURL(ts.URL, cfg.Namespace),
		"--payload", "bar",
		"--timeout", "2s",
	})

	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "hello: hi")
	assert.Contains(t, out.String(), "sent world: bar")

	testhelpers.WaitForLogs(t, logs, "received", 1)
	world := testhelpers.WaitForLogs(t, logs, greeter.EventWorld, 1)
	assert.Equal(t, "bar", world[0].ContextMap()["arg"])
}

func TestRootCommandFailsWithoutServer(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--url", "ws://127.0.0.1:1/hello", "--timeout", "500ms"})

	assert.Error(t, cmd.Execute())
}
