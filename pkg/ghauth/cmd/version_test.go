package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/ghauth/pkg/version"
)

func runVersion(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	err := Execute(context.Background(), Config{
		ConfigPath:   "/tmp/nonexistent-ghauth-config.yaml",
		OutputWriter: buf,
		ErrWriter:    &bytes.Buffer{},
	}, append([]string{"version"}, args...))
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		out, err := runVersion(t)
		require.NoError(t, err)
		assert.Contains(t, out, "ghauth "+version.Version)
	})

	t.Run("json", func(t *testing.T) {
		out, err := runVersion(t, "-o", "json")
		require.NoError(t, err)
		var info version.BuildInfo
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, version.Version, info.Version)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := runVersion(t, "-o", "yaml")
		require.NoError(t, err)
		assert.Contains(t, out, "version: "+version.Version)
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := runVersion(t, "-o", "xml")
		require.Error(t, err)
	})
}

func TestCompletionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	err := Execute(context.Background(), Config{OutputWriter: buf, ErrWriter: &bytes.Buffer{}}, []string{"completion", "bash"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "bash completion")

	err = Execute(context.Background(), Config{OutputWriter: &bytes.Buffer{}, ErrWriter: &bytes.Buffer{}}, []string{"completion", "tcsh"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported shell")
}
