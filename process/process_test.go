package process

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.yogi.dev/core/connection"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/logging"
	"go.yogi.dev/core/metrics"
	"go.yogi.dev/core/path"
	"go.yogi.dev/core/scheduler"
)

func newTestProcess(t *testing.T) (*Process, *logging.Sink, *logging.Sink) {
	t.Helper()
	var stdout = logging.NewStdoutSink(logging.Info)
	var yogi = logging.NewSink("yogi", &bytes.Buffer{}, logging.Info)
	var p, err = New(metrics.NewRegistry(), path.Root, 2, stdout, yogi)
	require.NoError(t, err)
	return p, stdout, yogi
}

func TestOperationalDefaultsTrueWithNoConditions(t *testing.T) {
	var p, _, _ = newTestProcess(t)
	var payload, err = p.operational.GetCachedMessage()
	require.NoError(t, err)
	assert.Equal(t, "true", string(payload))
}

func TestOperationalReflectsConjunctionOfConditions(t *testing.T) {
	var p, _, _ = newTestProcess(t)

	p.RegisterCondition("disk-ok", func() bool { return true })
	var payload, _ = p.operational.GetCachedMessage()
	assert.Equal(t, "true", string(payload))

	p.RegisterCondition("net-ok", func() bool { return false })
	payload, _ = p.operational.GetCachedMessage()
	assert.Equal(t, "false", string(payload))

	p.UnregisterCondition("net-ok")
	payload, _ = p.operational.GetCachedMessage()
	assert.Equal(t, "true", string(payload))
}

func TestErrorsAndWarningsTrackActiveAnomalies(t *testing.T) {
	var p, _, _ = newTestProcess(t)

	require.NoError(t, p.SetError("disk", "disk full"))
	var payload, err = p.errorsTerm.GetCachedMessage()
	require.NoError(t, err)
	var got []string
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, []string{"disk full"}, got)

	require.NoError(t, p.SetWarning("net", "latency high"))
	payload, _ = p.warningsTerm.GetCachedMessage()
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, []string{"latency high"}, got)

	require.NoError(t, p.ClearError("disk"))
	payload, _ = p.errorsTerm.GetCachedMessage()
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Empty(t, got)
}

func TestLogHookPublishesProcessLog(t *testing.T) {
	var p, _, _ = newTestProcess(t)

	var sched, err = scheduler.New(metrics.NewRegistry(), t.Name(), 2)
	require.NoError(t, err)
	var leaf = endpoint.NewLeaf(sched, metrics.NewRegistry(), t.Name(), path.Root)

	var consumer, consErr = leaf.CreateTerminal(endpoint.Consumer, path.MustNew("/Process/Log"), Signature)
	require.NoError(t, consErr)

	var conn, connErr = connection.NewLocal(p.Node(), leaf)
	require.NoError(t, connErr)
	defer conn.Close()

	require.Eventually(t, func() bool {
		var s, _ = consumer.GetBuiltinBindingState()
		return s == endpoint.Established
	}, time.Second, 5*time.Millisecond)

	var ch = make(chan []byte, 1)
	require.NoError(t, consumer.AsyncReceiveMessage(func(res endpoint.Result, payload []byte) { ch <- payload }))

	var hook = p.LogHook()
	require.NoError(t, hook.Fire(fakeEntry("disk check failed", map[string]interface{}{"component": "disk"})))

	select {
	case payload := <-ch:
		var rec logRecord
		require.NoError(t, json.Unmarshal(payload, &rec))
		assert.Equal(t, "disk check failed", rec.Message)
		assert.False(t, rec.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Process/Log message")
	}
}

func fakeEntry(message string, fields map[string]interface{}) *logrus.Entry {
	var e = logrus.NewEntry(logrus.New())
	e.Message = message
	e.Data = fields
	e.Time = time.Now()
	return e
}

func TestVerbosityMasterAcceptsRemoteWrite(t *testing.T) {
	var p, stdout, _ = newTestProcess(t)

	var sched, err = scheduler.New(metrics.NewRegistry(), t.Name(), 2)
	require.NoError(t, err)
	var leaf = endpoint.NewLeaf(sched, metrics.NewRegistry(), t.Name(), path.Root)

	var slave, slaveErr = leaf.CreateTerminal(endpoint.CachedSlave, path.MustNew("/Process/Standard Output Log Verbosity/Max Verbosity"), Signature)
	require.NoError(t, slaveErr)

	var conn, connErr = connection.NewLocal(p.Node(), leaf)
	require.NoError(t, connErr)
	defer conn.Close()

	require.Eventually(t, func() bool {
		var s, _ = slave.GetBuiltinBindingState()
		return s == endpoint.Established
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, slave.Publish([]byte("ERROR")))

	require.Eventually(t, func() bool {
		return stdout.MaxVerbosity() == logging.Error
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterComponentCreatesPerComponentVerbosityTerminals(t *testing.T) {
	var p, stdout, yogi = newTestProcess(t)
	require.NoError(t, p.RegisterComponent("scheduler"))

	var stdoutTerm = p.componentTerms["scheduler"][0]
	require.NotNil(t, stdoutTerm)
	var payload, err = stdoutTerm.GetCachedMessage()
	require.NoError(t, err)
	assert.Equal(t, stdout.MaxVerbosity().String(), string(payload))

	var yogiTerm = p.componentTerms["scheduler"][1]
	require.NotNil(t, yogiTerm)
	payload, err = yogiTerm.GetCachedMessage()
	require.NoError(t, err)
	assert.Equal(t, yogi.MaxVerbosity().String(), string(payload))
}
