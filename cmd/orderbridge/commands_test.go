package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ORDERBRIDGE_LEDGER_BACKEND", "memory")
	t.Setenv("ORDERBRIDGE_LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestKillSwitchEngagePrintsState(t *testing.T) {
	out, err := execute(t, "killswitch", "engage", "--reason", "maintenance", "--actor", "ops")
	require.NoError(t, err)

	var view struct {
		Engaged bool   `json:"engaged"`
		Reason  string `json:"reason"`
		Actor   string `json:"actor"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.True(t, view.Engaged)
	assert.Equal(t, "maintenance", view.Reason)
	assert.Equal(t, "ops", view.Actor)
}

func TestKillSwitchStatusFailsClosedOnFreshLedger(t *testing.T) {
	out, err := execute(t, "killswitch", "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"engaged": true`)
	assert.Contains(t, out, "no kill switch record")

	out, err = execute(t, "killswitch", "disengage", "--reason", "go live")
	require.NoError(t, err)
	assert.Contains(t, out, `"engaged": false`)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Setenv("ORDERBRIDGE_MODE", "trade")
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "trade"`)
}

func TestUnknownConfigFile(t *testing.T) {
	_, err := execute(t, "--config", t.TempDir()+"/missing.toml", "killswitch", "status")
	assert.Error(t, err)
}
