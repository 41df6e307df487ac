package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_StopsWhenContextIsCancelled(t *testing.T) {
	cfg := writeTestConfig(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := executeContext(t, ctx, nil, "--config", cfg, "serve", "--addr", "127.0.0.1:0")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Serving on 127.0.0.1:0")
}

func TestServe_ListenError(t *testing.T) {
	cfg := writeTestConfig(t, "")

	res := execute(t, nil, "--config", cfg, "serve", "--addr", "not-an-address")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
}
