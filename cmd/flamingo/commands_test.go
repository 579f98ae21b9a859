package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScenarioCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"run", "--history", "../../flamingo/scene/testdata/move_twice.yaml"})
	t.Cleanup(func() { history = false })

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "# move twice")
	assert.Contains(t, out.String(), "3 steps passed")
	assert.Contains(t, out.String(), "## History")
	assert.Contains(t, out.String(), "tx 3 (dispatch)")
}

func TestDemoCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"demo"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "## Final scene")
	assert.Contains(t, out.String(), "red")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "flamingo dev")
}
