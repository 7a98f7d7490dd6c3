package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"migrate", "create", "send", "pause", "resume", "cancel", "progress", "recount", "recover"} {
		assert.Contains(t, names, want)
	}
}

func TestActionRequiresTenantAndID(t *testing.T) {
	tenantID = ""
	root := newRootCmd()
	root.SetArgs([]string{"pause", "12"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tenant")

	root = newRootCmd()
	root.SetArgs([]string{"--tenant", "acme", "pause", "abc"})
	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid campaign id")
	tenantID = ""
}

func TestReadDefinition(t *testing.T) {
	raw := `{"name":"promo","message_kind":"text","content":{"text":"Hi {first_name}"},
		"targeting":{"type":"TAG","tag_ids":[3]},"pacing":{"batch_size":100,"batch_delay":"2s"}}`

	def, err := readDefinition(strings.NewReader(raw), "-")
	require.NoError(t, err)
	assert.Equal(t, model.TargetTag, def.Targeting.Type)
	assert.Equal(t, 100, def.Pacing.BatchSize)
	assert.Equal(t, "2s", def.Pacing.BatchDelay.String())

	path := filepath.Join(t.TempDir(), "def.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	def, err = readDefinition(&bytes.Buffer{}, path)
	require.NoError(t, err)
	assert.Equal(t, "promo", def.Name)

	_, err = readDefinition(strings.NewReader(`{"nme":"typo"}`), "-")
	assert.Error(t, err)
}
