package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fieldcash/cash"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "fieldcash", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{{"serve"}, {"queue", "list"}, {"queue", "flush"}, {"rollover"}, {"kpis"}}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			sub, _, err := cmd.Find(path)
			require.NoError(t, err)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "yaml", "queue", "list"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

// setupWorkspace points the config at throwaway sqlite files.
func setupWorkspace(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("FIELDCASH_SESSION_OWNER_ID", "agent-7")
	t.Setenv("FIELDCASH_DEVICE_PATH", filepath.Join(dir, "device.db"))
	t.Setenv("FIELDCASH_REMOTE_DSN", filepath.Join(dir, "remote.db"))
	t.Setenv("FIELDCASH_LOG_LEVEL", "error")
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestQueueList_EmptyWorkspace(t *testing.T) {
	setupWorkspace(t)

	assert.Equal(t, "queue is empty\n", run(t, "queue", "list"))
	assert.JSONEq(t, "[]", run(t, "--format", "json", "queue", "list"))
}

func TestRolloverThenKPIs_EmptyLedger(t *testing.T) {
	setupWorkspace(t)

	// WHEN: a fresh owner rolls over
	var summary cash.RolloverSummary
	require.NoError(t, json.Unmarshal([]byte(run(t, "--format", "json", "rollover")), &summary))

	// THEN: nothing to close
	assert.Equal(t, cash.OwnerID("agent-7"), summary.OwnerID)
	assert.Empty(t, summary.Closed)

	// AND: today opened at zero from its opening entry
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(run(t, "--format", "json", "kpis")), &report))
	assert.Equal(t, true, report["has_opening"])
	assert.Equal(t, "0.00", report["closing"])

	// AND: running it again is harmless
	run(t, "rollover")
}

func TestKPIs_InvalidDate(t *testing.T) {
	setupWorkspace(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"kpis", "--date", "yesterday"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}
