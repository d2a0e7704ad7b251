package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenario = `
log:
  level: error
processes:
  - name: fast
    priority: high
    threads:
      - behavior: spin
  - name: slow
    priority: low
    threads:
      - behavior: spin
  - name: once
    threads:
      - behavior: exit
        steps: 3
`

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), out.String())
	return out.String()
}

func writeScenario(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))
	return path
}

func TestRunCommand(t *testing.T) {
	out := execute(t, "run", "--config", writeScenario(t), "--ticks", "1500", "--log-level", "error")

	assert.Contains(t, out, "clock: 1,500 periods")
	assert.Contains(t, out, "Thread terminated.")
	assert.Contains(t, out, "Process Name: once, Thread Id: 0")
	assert.Regexp(t, regexp.MustCompile(`fast\s+High\s+Active`), out)
	assert.Regexp(t, regexp.MustCompile(`once\s+Normal\s+Terminated`), out)
}

func TestRunWithTraceDB(t *testing.T) {
	db := filepath.Join(t.TempDir(), "trace.db")
	config := writeScenario(t)

	out := execute(t, "run", "--config", config, "--trace-db", db, "--name", "first", "--log-level", "error")
	m := regexp.MustCompile(`trace: (run_\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	list := execute(t, "runs", "list", "--trace-db", db, "--log-level", "error")
	assert.Contains(t, list, m[1])
	assert.Contains(t, list, "first")

	show := execute(t, "runs", "show", m[1], "--trace-db", db, "--log-level", "error")
	assert.Contains(t, show, "fast")
	assert.Contains(t, show, "slow")
	assert.Contains(t, show, "100 selections")
}

func TestRunsRequiresTraceDB(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"runs", "list", "--trace-db", ""})
	assert.Error(t, root.Execute())
}

func TestConfigCommand(t *testing.T) {
	out := execute(t, "config", "--config", writeScenario(t), "--log-level", "error")

	assert.Contains(t, out, "update_period_ms: 15")
	assert.Contains(t, out, "priority: high")
	assert.Contains(t, out, "behavior: exit")
}
