package main

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.yogi.dev/core/config"
	"go.yogi.dev/core/logging"
)

func TestBuildSinkAppliesMaxAndComponentVerbosity(t *testing.T) {
	var sink = buildSink("test", os.Stderr, config.LevelConfig{
		MaxVerbosity:       "warning",
		ComponentVerbosity: map[string]string{"scheduler": "debug"},
	})
	require.NotNil(t, sink)
	assert.Equal(t, logging.Warning, sink.MaxVerbosity())

	var lvl, ok = sink.ComponentVerbosity("scheduler")
	require.True(t, ok)
	assert.Equal(t, logging.Debug, lvl)
}

func TestBuildSinkDefaultsToInfoWithNoMaxVerbosity(t *testing.T) {
	var sink = buildSink("test", os.Stderr, config.LevelConfig{})
	assert.Equal(t, logging.Info, sink.MaxVerbosity())
}

func TestErrIsClosedRecognizesClosedListener(t *testing.T) {
	var listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	var _, acceptErr = listener.Accept()
	require.Error(t, acceptErr)
	assert.True(t, errIsClosed(acceptErr))
}
