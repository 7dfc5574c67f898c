package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func TestLocalConnectsTwoLeavesAndEstablishesBinding(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var prod, err = a.CreateTerminal(endpoint.Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	var cons, err2 = b.CreateTerminal(endpoint.Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	var conn, connErr = NewLocal(a, b)
	require.NoError(t, connErr)
	require.Equal(t, Open, conn.State())

	require.Eventually(t, func() bool {
		return prod.BuiltinBinding().GetState() == endpoint.Established &&
			cons.BuiltinBinding().GetState() == endpoint.Established
	}, time.Second, 5*time.Millisecond)
}

func TestLocalCloseMarksDeadAndDetaches(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var prod, err = a.CreateTerminal(endpoint.Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	_, err2 := b.CreateTerminal(endpoint.Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	var conn, connErr = NewLocal(a, b)
	require.NoError(t, connErr)

	require.Eventually(t, func() bool {
		return prod.BuiltinBinding().GetState() == endpoint.Established
	}, time.Second, 5*time.Millisecond)

	var died = make(chan error, 1)
	conn.AsyncAwaitDeath(func(cause error) { died <- cause })

	require.NoError(t, conn.Close())

	select {
	case <-died:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for death notification")
	}
	require.Equal(t, Dead, conn.State())

	require.Eventually(t, func() bool {
		return prod.BuiltinBinding().GetState() == endpoint.Released
	}, time.Second, 5*time.Millisecond)
}

func TestLocalRejectsIntersectingNodeReachableSets(t *testing.T) {
	var s1, err = scheduler.New(metrics.NewRegistry(), t.Name()+"1", 4)
	require.NoError(t, err)
	var s2, err2 = scheduler.New(metrics.NewRegistry(), t.Name()+"2", 4)
	require.NoError(t, err2)

	var n1 = endpoint.NewNode(s1, metrics.NewRegistry(), t.Name()+"n1", path.Root)
	var n2 = endpoint.NewNode(s2, metrics.NewRegistry(), t.Name()+"n2", path.Root)

	var conn, connErr = NewLocal(n1, n2)
	require.NoError(t, connErr)
	require.NotNil(t, conn)

	// A fresh third node is disjoint from n1's reachable set (n1 and n2) and
	// may attach, while a peer offering n1's own reachable set back to n1
	// must be refused.
	var s3, err3 = scheduler.New(metrics.NewRegistry(), t.Name()+"3", 4)
	require.NoError(t, err3)
	var n3 = endpoint.NewNode(s3, metrics.NewRegistry(), t.Name()+"n3", path.Root)

	var loopErr = n3.CheckAssignment(n1.ReachableIDs())
	require.NoError(t, loopErr) // disjoint still, no cycle formed yet

	var selfLoopErr = n1.CheckAssignment(n1.ReachableIDs())
	require.Error(t, selfLoopErr)
}
