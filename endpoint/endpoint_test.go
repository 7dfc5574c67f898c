package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
)

// fakeLink is a synchronous, directly-wired RemoteLink test double: every
// Send call is applied to the paired core immediately, the way
// connection.Local will behave for real. Each direction of a pair is its
// own fakeLink; SendX hands the peer the *reverse* link (the one the peer
// would use to answer back), never itself.
type fakeLink struct {
	id   string
	peer interface {
		HandleRemoteAnnouncement(RemoteLink, Announcement)
		HandleRemoteMessage(RemoteLink, WireMessage)
	}
	reverse RemoteLink
}

func (l *fakeLink) ID() string { return l.id }
func (l *fakeLink) SendAnnouncement(ann Announcement) {
	l.peer.HandleRemoteAnnouncement(l.reverse, ann)
}
func (l *fakeLink) SendMessage(msg WireMessage) {
	l.peer.HandleRemoteMessage(l.reverse, msg)
}

func wireLeaves(t *testing.T, a, b *Leaf) {
	t.Helper()
	var linkToB = &fakeLink{id: "a->b", peer: b}
	var linkToA = &fakeLink{id: "b->a", peer: a}
	linkToB.reverse = linkToA
	linkToA.reverse = linkToB
	require.NoError(t, a.Attach(linkToB))
	require.NoError(t, b.Attach(linkToA))
}

func newTestLeaf(t *testing.T, name string) *Leaf {
	var s, err = scheduler.New(metrics.NewRegistry(), t.Name()+name, 4)
	require.NoError(t, err)
	return NewLeaf(s, metrics.NewRegistry(), t.Name()+name, path.Root)
}

func TestProducerConsumerImplicitBindingEstablishes(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var prod, err = a.CreateTerminal(Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	var cons, err2 = b.CreateTerminal(Consumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	wireLeaves(t, a, b)

	require.Eventually(t, func() bool {
		var s, _ = cons.GetBuiltinBindingState()
		return s == Established
	}, testTimeout, testTick)

	var s, _ = prod.GetSubscriptionState()
	assert.Equal(t, Established, s)
}

func TestSignatureMismatchNeverEstablishes(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var _, err = a.CreateTerminal(Producer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	var cons, err2 = b.CreateTerminal(Consumer, path.MustNew("/Temp"), 2)
	require.NoError(t, err2)

	wireLeaves(t, a, b)
	assertNever(t, func() bool {
		var s, _ = cons.GetBuiltinBindingState()
		return s == Established
	})
}

func TestCachedMessageReplayedOnceOnEstablish(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var prod, err = a.CreateTerminal(CachedProducer, path.MustNew("/Temp"), 1)
	require.NoError(t, err)
	require.NoError(t, prod.Publish([]byte{0x2a}))

	var cons, err2 = b.CreateTerminal(CachedConsumer, path.MustNew("/Temp"), 1)
	require.NoError(t, err2)

	var received = make(chan []byte, 1)
	require.NoError(t, cons.AsyncReceiveMessage(func(res Result, p []byte) { received <- p }))

	wireLeaves(t, a, b)

	select {
	case p := <-received:
		assert.Equal(t, []byte{0x2a}, p)
	case <-timeoutCh():
		t.Fatal("cached message was not replayed")
	}
}

func TestScatterGatherEmptyFanoutYieldsFinishedDeaf(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var sg, err = a.CreateTerminal(ScatterGather, path.MustNew("/Ping"), 1)
	require.NoError(t, err)

	var done = make(chan GatherResult, 1)
	var _, err2 = sg.ScatterGather([]byte{1}, func(r GatherResult) GatherVerdict {
		done <- r
		return Continue
	})
	require.NoError(t, err2)

	select {
	case r := <-done:
		assert.True(t, r.Flags.Has(Finished))
		assert.True(t, r.Flags.Has(Deaf))
	case <-timeoutCh():
		t.Fatal("expected immediate FINISHED|DEAF")
	}
}

func TestScatterGatherRespondAndIgnore(t *testing.T) {
	var a = newTestLeaf(t, "a")
	var b = newTestLeaf(t, "b")

	var respA, err = a.CreateTerminal(ScatterGather, path.MustNew("/Ping"), 1)
	require.NoError(t, err)
	var reqB, err2 = b.CreateTerminal(ScatterGather, path.MustNew("/Ping"), 1)
	require.NoError(t, err2)

	wireLeaves(t, a, b)
	require.Eventually(t, func() bool { return b.KnownRemoteCount() > 0 }, testTimeout, testTick)

	// No receiver registered on A: expect IGNORED.
	var results = make(chan GatherResult, 4)
	var _, err3 = reqB.ScatterGather([]byte{1}, func(r GatherResult) GatherVerdict {
		results <- r
		return Continue
	})
	require.NoError(t, err3)
	var ignored = waitResult(t, results)
	assert.True(t, ignored.Flags.Has(Ignored))
	var finished1 = waitResult(t, results)
	assert.True(t, finished1.Flags.Has(Finished))

	require.NoError(t, respA.RegisterReceiver(func(m *ScatteredMessage) {
		require.NoError(t, m.Respond([]byte{0x7b}))
	}))

	var _, err4 = reqB.ScatterGather([]byte{1}, func(r GatherResult) GatherVerdict {
		results <- r
		return Continue
	})
	require.NoError(t, err4)
	var payload = waitResult(t, results)
	assert.Equal(t, []byte{0x7b}, payload.Payload)
	var finished2 = waitResult(t, results)
	assert.True(t, finished2.Flags.Has(Finished))
}
