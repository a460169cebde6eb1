package greeter_test

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Tyrowin/hellosock/internal/greeter"
	"github.com/Tyrowin/hellosock/internal/protocol"
	"github.com/Tyrowin/hellosock/internal/server"
	"github.com/Tyrowin/hellosock/internal/testhelpers"
)

const nsp = "/hello"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func startServer(t *testing.T) (string, *server.Namespace, *observer.ObservedLogs) {
	t.Helper()

	logger, logs := testhelpers.NewObservedLogger()
	cfg := server.NewConfig()
	cfg.StaticFile = testhelpers.WriteStaticFile(t, "<html></html>")

	srv := server.New(cfg, logger)
	ns := srv.Of(cfg.Namespace)
	greeter.Register(ns, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(2 * time.Second)
		ts.Close()
	})
	return testhelpers.WebSocketURL(ts.URL, nsp), ns, logs
}

// readHello consumes the connect packet and the greeting and returns the
// greeting's ack id.
func readHello(t *testing.T, conn *websocket.Conn) (string, uint64) {
	t.Helper()
	sid := testhelpers.ReadConnect(t, conn)

	packet := testhelpers.ReadPacket(t, conn, 2*time.Second)
	require.Equal(t, protocol.PacketEvent, packet.Type)
	name, args, err := packet.Event()
	require.NoError(t, err)
	require.Equal(t, greeter.EventHello, name)
	require.Len(t, args, 1)
	assert.JSONEq(t, `"hi"`, string(args[0]))
	require.NotNil(t, packet.ID, "hello must request an acknowledgement")
	return sid, *packet.ID
}

func worldEntries(logs *observer.ObservedLogs, sid string) []observer.LoggedEntry {
	return logs.FilterMessage(greeter.EventWorld).FilterField(zap.String("sid", sid)).All()
}

func TestHelloIsSentOncePerConnection(t *testing.T) {
	url, _, _ := startServer(t)
	conn := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)

	readHello(t, conn)
	testhelpers.ExpectNoPacket(t, conn, 200*time.Millisecond)
}

func TestAcknowledgingHelloLogsReceivedOnce(t *testing.T) {
	url, _, logs := startServer(t)
	conn := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)
	sid, id := readHello(t, conn)

	assert.Equal(t, 0, logs.FilterMessage("received").Len(), "nothing is logged before the ack")

	testhelpers.SendAck(t, conn, nsp, id)
	testhelpers.SendAck(t, conn, nsp, id)

	entries := testhelpers.WaitForLogs(t, logs, "received", 1)
	assert.Equal(t, sid, entries[0].ContextMap()["sid"])

	// A world event processed after both acks proves the duplicate was handled.
	testhelpers.EmitEvent(t, conn, nsp, greeter.EventWorld, "sync")
	testhelpers.WaitForLogs(t, logs, greeter.EventWorld, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("received").Len())
}

func TestWorldEventIsLogged(t *testing.T) {
	url, _, logs := startServer(t)
	conn := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)
	sid, _ := readHello(t, conn)

	testhelpers.EmitEvent(t, conn, nsp, greeter.EventWorld, "foo")

	entries := testhelpers.WaitForLogs(t, logs, greeter.EventWorld, 1)
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "foo", fields["arg"])
	assert.Equal(t, sid, fields["sid"])
}

// TestWorldPassesArgumentsThrough verifies missing and structured arguments
// are logged as-is without closing the connection.
func TestWorldPassesArgumentsThrough(t *testing.T) {
	url, ns, logs := startServer(t)
	conn := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)
	readHello(t, conn)

	testhelpers.EmitEvent(t, conn, nsp, greeter.EventWorld)
	testhelpers.EmitEvent(t, conn, nsp, greeter.EventWorld, map[string]int{"n": 1})

	entries := testhelpers.WaitForLogs(t, logs, greeter.EventWorld, 2)
	assert.Nil(t, entries[0].ContextMap()["arg"])
	assert.Equal(t, map[string]any{"n": float64(1)}, entries[1].ContextMap()["arg"])
	assert.Equal(t, 1, ns.Sockets())
}

func TestConcurrentClientsAreIndependent(t *testing.T) {
	url, ns, logs := startServer(t)

	first := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)
	second := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)

	firstID, _ := readHello(t, first)
	secondID, _ := readHello(t, second)
	assert.NotEqual(t, firstID, secondID)
	require.Eventually(t, func() bool { return ns.Sockets() == 2 }, 2*time.Second, 10*time.Millisecond)

	testhelpers.EmitEvent(t, first, nsp, greeter.EventWorld, "foo")
	testhelpers.WaitForLogs(t, logs, greeter.EventWorld, 1)

	assert.Len(t, worldEntries(logs, firstID), 1)
	assert.Empty(t, worldEntries(logs, secondID))
	testhelpers.ExpectNoPacket(t, second, 200*time.Millisecond)
}

func TestDisconnectWithoutAckLogsNothing(t *testing.T) {
	url, ns, logs := startServer(t)
	conn := testhelpers.ConnectWebSocket(t, url, testhelpers.TestOrigin)
	readHello(t, conn)

	require.NoError(t, testhelpers.CloseWebSocket(conn))

	testhelpers.WaitForLogs(t, logs, "hello was not acknowledged", 1)
	assert.Equal(t, 0, logs.FilterMessage("received").Len())
	assert.Eventually(t, func() bool { return ns.Sockets() == 0 }, 2*time.Second, 10*time.Millisecond)
}
