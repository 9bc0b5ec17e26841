package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("logging:\n  level: error\nstorage:\n  driver: sqlite\n  path: %s\n", filepath.Join(dir, "np.db"))
	p := filepath.Join(dir, "nightpilot.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestJobLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "job", "create", "--name", "nightly", "--cron", "0 3 * * *", "--content", "fix lint")
	require.NoError(t, err)
	require.Contains(t, out, "created job 1")

	out, err = execute(t, "-c", cfg, "job", "list")
	require.NoError(t, err)
	require.Contains(t, out, "nightly")
	require.Contains(t, out, "active")

	out, err = execute(t, "-c", cfg, "job", "pause", "1")
	require.NoError(t, err)
	require.Contains(t, out, "job 1 is paused")

	out, err = execute(t, "-c", cfg, "job", "show", "1")
	require.NoError(t, err)
	require.Contains(t, out, `"CronExpr": "0 3 * * *"`)

	_, err = execute(t, "-c", cfg, "job", "show", "abc")
	require.Error(t, err)

	out, err = execute(t, "-c", cfg, "job", "delete", "1")
	require.NoError(t, err)
	require.Contains(t, out, "deleted job 1")
}

func TestSystemSetAndShow(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "-c", cfg, "system", "set", "max_concurrent_jobs", "2")
	require.NoError(t, err)
	_, err = execute(t, "-c", cfg, "system", "set", "max_concurrent_jobs", "lots")
	require.Error(t, err)

	out, err := execute(t, "-c", cfg, "system", "show")
	require.NoError(t, err)
	require.Regexp(t, `max_concurrent_jobs\s+2`, out)
}

func TestCooldownCheck(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "-c", cfg, "cooldown", "check", "please try again in 5 minutes")
	require.NoError(t, err)
	require.Contains(t, out, "try_again_unit")
	require.Contains(t, out, "5m0s")

	_, err = execute(t, "-c", cfg, "cooldown", "check", "all good")
	require.EqualError(t, err, "no cooldown detected")
}
