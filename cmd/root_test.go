package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"], "serve command registered")
	assert.True(t, names["run"], "run command registered")
}

func TestRunCommandRequiresGoal(t *testing.T) {
	err := runCmd.Args(runCmd, []string{})
	require.Error(t, err)
	assert.NoError(t, runCmd.Args(runCmd, []string{"check", "the", "weather"}))
}

func TestConfigFlagRegistered(t *testing.T) {
	f := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)
}
