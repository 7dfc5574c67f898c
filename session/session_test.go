package session

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.yogi.dev/core/connection"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
)

func newTestLeaf(t *testing.T, name string) *endpoint.Leaf {
	t.Helper()
	var s, err = scheduler.New(metrics.NewRegistry(), t.Name()+name, 4)
	require.NoError(t, err)
	return endpoint.NewLeaf(s, metrics.NewRegistry(), t.Name()+name, path.Root)
}

// newTestSession wires a Session to leaf over an in-memory pipe and returns
// the session's peer end as a bufio reader/writer a test can drive as a raw
// client speaking the wire protocol directly.
func newTestSession(t *testing.T, leaf *endpoint.Leaf, node *endpoint.Node) (*bufio.Reader, *bufio.Writer) {
	t.Helper()
	var serverConn, clientConn = net.Pipe()
	var sess = New(leaf, node, serverConn, "test-client", metrics.NewRegistry())
	go sess.Serve()
	t.Cleanup(func() { clientConn.Close() })
	return bufio.NewReader(clientConn), bufio.NewWriter(clientConn)
}

func TestVersionRequest(t *testing.T) {
	var leaf = newTestLeaf(t, "v")
	var r, w = newTestSession(t, leaf, nil)

	require.NoError(t, w.WriteByte(byte(ReqVersion)))
	require.NoError(t, w.Flush())

	var rt, err = r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(RespOK), rt)

	var version, verErr = readCString(r)
	require.NoError(t, verErr)
	require.Equal(t, ProtocolVersion, version)
}

func TestCreateDestroyTerminal(t *testing.T) {
	var leaf = newTestLeaf(t, "cd")
	var r, w = newTestSession(t, leaf, nil)

	var id = createTerminal(t, r, w, endpoint.PublishSubscribe, "/Temp", 1)

	require.NoError(t, w.WriteByte(byte(ReqDestroyTerminal)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespOK)

	// destroying twice: the id no longer resolves.
	require.NoError(t, w.WriteByte(byte(ReqDestroyTerminal)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespInvalidTerminalId)
}

func TestCreateTerminalRejectsUnknownVariant(t *testing.T) {
	var leaf = newTestLeaf(t, "badvariant")
	var r, w = newTestSession(t, leaf, nil)

	require.NoError(t, w.WriteByte(byte(ReqCreateTerminal)))
	require.NoError(t, w.WriteByte(99))
	require.NoError(t, writeU32(w, 1))
	require.NoError(t, writeCString(w, "/Bogus"))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespInvalidTerminalType)
}

func TestCreateDestroyBinding(t *testing.T) {
	var leaf = newTestLeaf(t, "bind")
	var r, w = newTestSession(t, leaf, nil)

	var id = createTerminal(t, r, w, endpoint.DeafMute, "/Dm", 1)

	require.NoError(t, w.WriteByte(byte(ReqCreateBinding)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, writeCString(w, "/Elsewhere"))
	require.NoError(t, w.Flush())

	var bindingID = expectOKu32(t, r)

	require.NoError(t, w.WriteByte(byte(ReqDestroyBinding)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, writeU32(w, bindingID))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespOK)

	// a stale binding id is now rejected.
	require.NoError(t, w.WriteByte(byte(ReqDestroyBinding)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, writeU32(w, bindingID))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespInvalidBindingId)
}

func TestMonitorReceivedPublishMessagesRejectsDoubleRegistration(t *testing.T) {
	var leaf = newTestLeaf(t, "dup")
	var r, w = newTestSession(t, leaf, nil)

	var id = createTerminal(t, r, w, endpoint.PublishSubscribe, "/Dup", 1)

	require.NoError(t, w.WriteByte(byte(ReqMonitorReceivedPublishMessages)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespOK)

	require.NoError(t, w.WriteByte(byte(ReqMonitorReceivedPublishMessages)))
	require.NoError(t, writeU32(w, id))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespAlreadyMonitoring)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	var leafA = newTestLeaf(t, "pub-a")
	var leafB = newTestLeaf(t, "pub-b")
	var rA, wA = newTestSession(t, leafA, nil)
	var rB, wB = newTestSession(t, leafB, nil)

	var idP = createTerminal(t, rA, wA, endpoint.Producer, "/Temp", 1)
	var idC = createTerminal(t, rB, wB, endpoint.Consumer, "/Temp", 1)

	require.NoError(t, wA.WriteByte(byte(ReqMonitorBuiltinBindingState)))
	require.NoError(t, writeU32(wA, idP))
	require.NoError(t, wA.Flush())
	expectSimple(t, rA, RespOK)

	require.NoError(t, wB.WriteByte(byte(ReqMonitorReceivedPublishMessages)))
	require.NoError(t, writeU32(wB, idC))
	require.NoError(t, wB.Flush())
	expectSimple(t, rB, RespOK)

	var conn, connErr = connection.NewLocal(leafA, leafB)
	require.NoError(t, connErr)
	t.Cleanup(func() { conn.Close() })

	expectAsyncByte(t, rA, RespBuiltinBindingStateChanged)
	var establishedID, establishedState = readU32(rA), mustReadByte(t, rA)
	require.Equal(t, idP, establishedID)
	require.Equal(t, byte(endpoint.Established), establishedState)

	require.NoError(t, wA.WriteByte(byte(ReqPublishMessage)))
	require.NoError(t, writeU32(wA, idP))
	require.NoError(t, writeBytes(wA, []byte("hello")))
	require.NoError(t, wA.Flush())
	expectSimple(t, rA, RespOK)

	expectAsyncByte(t, rB, RespPublishedMessageReceived)
	var gotID = mustReadU32(t, rB)
	require.Equal(t, idC, gotID)
	var payload, payloadErr = readBytes(rB)
	require.NoError(t, payloadErr)
	require.Equal(t, []byte("hello"), payload)
}

func TestScatterGatherRoundTrip(t *testing.T) {
	var leafA = newTestLeaf(t, "sg-a")
	var leafB = newTestLeaf(t, "sg-b")
	var rA, wA = newTestSession(t, leafA, nil)
	var rB, wB = newTestSession(t, leafB, nil)

	var idA = createTerminal(t, rA, wA, endpoint.ScatterGather, "/Req", 2)
	var idB = createTerminal(t, rB, wB, endpoint.ScatterGather, "/Req", 2)

	require.NoError(t, wA.WriteByte(byte(ReqMonitorBuiltinBindingState)))
	require.NoError(t, writeU32(wA, idA))
	require.NoError(t, wA.Flush())
	expectSimple(t, rA, RespOK)

	require.NoError(t, wB.WriteByte(byte(ReqMonitorReceivedScatterMessages)))
	require.NoError(t, writeU32(wB, idB))
	require.NoError(t, wB.Flush())
	expectSimple(t, rB, RespOK)

	var conn, connErr = connection.NewLocal(leafA, leafB)
	require.NoError(t, connErr)
	t.Cleanup(func() { conn.Close() })

	expectAsyncByte(t, rA, RespBuiltinBindingStateChanged)
	_ = mustReadU32(t, rA)
	require.Equal(t, byte(endpoint.Established), mustReadByte(t, rA))

	require.NoError(t, wA.WriteByte(byte(ReqScatterGather)))
	require.NoError(t, writeU32(wA, idA))
	require.NoError(t, writeBytes(wA, []byte("ping")))
	require.NoError(t, wA.Flush())
	var opID = expectOKu32(t, rA)

	expectAsyncByte(t, rB, RespScatteredMessageReceived)
	require.Equal(t, idB, mustReadU32(t, rB))
	var scatterOpID = mustReadU32(t, rB)
	var scatterPayload, scatterPayloadErr = readBytes(rB)
	require.NoError(t, scatterPayloadErr)
	require.Equal(t, []byte("ping"), scatterPayload)

	require.NoError(t, wB.WriteByte(byte(ReqRespondToScatteredMessage)))
	require.NoError(t, writeU32(wB, idB))
	require.NoError(t, writeU32(wB, scatterOpID))
	require.NoError(t, writeBytes(wB, []byte("pong")))
	require.NoError(t, wB.Flush())
	expectSimple(t, rB, RespOK)

	expectAsyncByte(t, rA, RespGatheredMessageReceived)
	require.Equal(t, idA, mustReadU32(t, rA))
	require.Equal(t, opID, mustReadU32(t, rA))
	var flags, flagsErr = rA.ReadByte()
	require.NoError(t, flagsErr)
	require.Zero(t, flags&byte(endpoint.Finished))
	var gatherPayload, gatherPayloadErr = readBytes(rA)
	require.NoError(t, gatherPayloadErr)
	require.Equal(t, []byte("pong"), gatherPayload)

	expectAsyncByte(t, rA, RespGatheredMessageReceived)
	require.Equal(t, idA, mustReadU32(t, rA))
	require.Equal(t, opID, mustReadU32(t, rA))
	var finishFlags, finishFlagsErr = rA.ReadByte()
	require.NoError(t, finishFlagsErr)
	require.NotZero(t, finishFlags&byte(endpoint.Finished))
}

func TestKnownTerminalsRequiresNode(t *testing.T) {
	var leaf = newTestLeaf(t, "noknown")
	var r, w = newTestSession(t, leaf, nil)

	require.NoError(t, w.WriteByte(byte(ReqKnownTerminals)))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespApiError)
	var msg, err = readCString(r)
	require.NoError(t, err)
	require.NotEmpty(t, msg)
}

func TestMonitorKnownTerminals(t *testing.T) {
	var sched, schedErr = scheduler.New(metrics.NewRegistry(), t.Name()+"sched", 4)
	require.NoError(t, schedErr)
	var node = endpoint.NewNode(sched, metrics.NewRegistry(), t.Name()+"node", path.Root)
	var leaf = newTestLeaf(t, "known-leaf")
	var r, w = newTestSession(t, leaf, node)

	require.NoError(t, w.WriteByte(byte(ReqMonitorKnownTerminals)))
	require.NoError(t, w.Flush())
	expectSimple(t, r, RespOK)

	var remote = newTestLeaf(t, "known-remote")
	_, connErr := connection.NewLocal(remote, node)
	require.NoError(t, connErr)
	_, prodErr := remote.CreateTerminal(endpoint.PublishSubscribe, path.MustNew("/Announced"), 3)
	require.NoError(t, prodErr)

	expectAsyncByte(t, r, RespKnownTerminalsChanged)
	var added, addedErr = r.ReadByte()
	require.NoError(t, addedErr)
	require.Equal(t, byte(1), added)
}

// --- test helpers -----------------------------------------------------

func createTerminal(t *testing.T, r *bufio.Reader, w *bufio.Writer, variant endpoint.Variant, name string, signature uint32) uint32 {
	t.Helper()
	require.NoError(t, w.WriteByte(byte(ReqCreateTerminal)))
	require.NoError(t, w.WriteByte(byte(variant)))
	require.NoError(t, writeU32(w, signature))
	require.NoError(t, writeCString(w, name))
	require.NoError(t, w.Flush())
	return expectOKu32(t, r)
}

func expectSimple(t *testing.T, r *bufio.Reader, want ResponseType) {
	t.Helper()
	var got, err = r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(want), got, "expected %s, got %s", want, ResponseType(got))
}

func expectOKu32(t *testing.T, r *bufio.Reader) uint32 {
	t.Helper()
	expectSimple(t, r, RespOK)
	return mustReadU32(t, r)
}

func expectAsyncByte(t *testing.T, r *bufio.Reader, want ResponseType) {
	t.Helper()
	type result struct {
		b   byte
		err error
	}
	var ch = make(chan result, 1)
	go func() {
		var b, err = r.ReadByte()
		ch <- result{b, err}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		require.Equal(t, byte(want), res.b, "expected %s, got %s", want, ResponseType(res.b))
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func mustReadU32(t *testing.T, r *bufio.Reader) uint32 {
	t.Helper()
	var v, err = readU32(r)
	require.NoError(t, err)
	return v
}

func mustReadByte(t *testing.T, r *bufio.Reader) byte {
	t.Helper()
	var b, err = r.ReadByte()
	require.NoError(t, err)
	return b
}
