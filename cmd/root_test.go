package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdProperties(t *testing.T) {
	assert.Equal(t, "env360", rootCmd.Use)
	assert.True(t, strings.Contains(rootCmd.Long, "Kubernetes"))
	assert.True(t, rootCmd.SilenceUsage)
}

func TestSetVersion(t *testing.T) {
	originalVersion := rootCmd.Version
	defer func() {
		rootCmd.Version = originalVersion
	}()

	SetVersion("v1.2.3-test")

	assert.Equal(t, "v1.2.3-test", rootCmd.Version)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	var found []string
	for _, cmd := range rootCmd.Commands() {
		found = append(found, cmd.Use)
	}

	assert.Contains(t, found, "version")
	assert.Contains(t, found, "serve")
}
