package main

import (
	"testing"

	"roster-sync/internal/config"
	"roster-sync/internal/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWorkerID(t *testing.T) {
	t.Setenv(supervisor.WorkerIDEnv, "")
	id, err := resolveWorkerID(-1)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	t.Setenv(supervisor.WorkerIDEnv, "3")
	id, err = resolveWorkerID(-1)
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	id, err = resolveWorkerID(1)
	require.NoError(t, err)
	assert.Equal(t, 1, id, "flag wins over the environment")

	t.Setenv(supervisor.WorkerIDEnv, "two")
	_, err = resolveWorkerID(-1)
	assert.ErrorIs(t, err, config.ErrInvalidEnv)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "worker", "supervise", "migrate"} {
		assert.True(t, names[want], want)
	}
}
