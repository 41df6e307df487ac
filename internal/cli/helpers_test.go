package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config using a fresh SQLite file and the memory
// cache. extra is appended verbatim, so later keys can override sections.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
store:
  driver: sqlite3
  dsn: %s
log:
  level: error
%s`, filepath.Join(dir, "state.db"), extra)
	path := filepath.Join(dir, "statecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

type execResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, stdin io.Reader, args ...string) execResult {
	t.Helper()
	return executeContext(t, context.Background(), stdin, args...)
}

func executeContext(t *testing.T, ctx context.Context, stdin io.Reader, args ...string) execResult {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if stdin != nil {
		cmd.SetIn(stdin)
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return execResult{stdout: out.String(), stderr: errOut.String(), err: err}
}

// mustExecute runs args and fails the test on error.
func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	res := execute(t, nil, args...)
	require.NoError(t, res.err, "stdout: %s\nstderr: %s", res.stdout, res.stderr)
	return res.stdout
}
