package dialogue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate-server/pkg/errors"
)

func TestParseFlowDefaults(t *testing.T) {
	def, err := ParseFlow([]byte(`{
		"phases": {
			"ENTRY": {"templates": ["001"]}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ENTRY", def.EntryPhase)
	assert.Equal(t, DefaultTemplateID, def.DefaultTemplate)
	assert.Equal(t, def.DefaultTemplate, def.UnclearTemplate)
	assert.Equal(t, 1, def.Handoff.MaxRetries)
}

func TestParseFlowRejectsEmptyPhases(t *testing.T) {
	_, err := ParseFlow([]byte(`{"phases": {}}`))
	assert.ErrorIs(t, err, errors.ErrInvalidFlow)
}

func TestParseFlowRejectsMissingEntryPhase(t *testing.T) {
	_, err := ParseFlow([]byte(`{
		"entry_phase": "START",
		"phases": {"ENTRY": {"templates": ["001"]}}
	}`))
	assert.ErrorIs(t, err, errors.ErrInvalidFlow)
}

func TestParseFlowRejectsBadJSON(t *testing.T) {
	_, err := ParseFlow([]byte(`{not json`))
	assert.ErrorIs(t, err, errors.ErrInvalidFlow)
}

func TestParseFlowParsesConditionsOnce(t *testing.T) {
	def, err := ParseFlow([]byte(`{
		"phases": {
			"ENTRY": {
				"templates": ["001"],
				"transitions": [
					{"condition": "intent=='A'", "target": "A"},
					{"condition": "not a real condition", "target": "B"}
				]
			},
			"A": {"templates": ["002"]},
			"B": {"templates": ["003"]}
		}
	}`))
	require.NoError(t, err)

	transitions := def.Phases["ENTRY"].Transitions
	require.Len(t, transitions, 2)
	assert.NotNil(t, transitions[0].cond)
	assert.NotNil(t, transitions[1].cond)
	// The malformed condition is inert rather than a load error.
	assert.False(t, transitions[1].cond.Matches(&TurnContext{Intent: "A"}))
}

func registryLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func writeFlowFile(t *testing.T, dir, tenant, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tenant+".json"), []byte(body), 0644))
}

func TestRegistryLoadAllSkipsBadTenants(t *testing.T) {
	dir := t.TempDir()
	writeFlowFile(t, dir, "good", `{"phases": {"ENTRY": {"templates": ["001"]}}}`)
	writeFlowFile(t, dir, "bad", `{"phases": {}}`)

	registry := NewRegistry(registryLogger(), dir)
	require.NoError(t, registry.LoadAll())

	_, err := registry.Get("good")
	assert.NoError(t, err)
	_, err = registry.Get("bad")
	assert.ErrorIs(t, err, errors.ErrFlowNotFound)
}

func TestRegistryReloadSwapsDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFlowFile(t, dir, "acme", `{"version": 1, "phases": {"ENTRY": {"templates": ["001"]}}}`)

	registry := NewRegistry(registryLogger(), dir)
	require.NoError(t, registry.Reload("acme"))

	def, err := registry.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)

	writeFlowFile(t, dir, "acme", `{"version": 2, "phases": {"ENTRY": {"templates": ["099"]}}}`)
	require.NoError(t, registry.Reload("acme"))

	swapped, err := registry.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 2, swapped.Version)
	// The old definition a caller already resolved is untouched.
	assert.Equal(t, 1, def.Version)
}

func TestRegistryReloadKeepsOldOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeFlowFile(t, dir, "acme", `{"version": 1, "phases": {"ENTRY": {"templates": ["001"]}}}`)

	registry := NewRegistry(registryLogger(), dir)
	require.NoError(t, registry.Reload("acme"))

	writeFlowFile(t, dir, "acme", `{broken`)
	assert.Error(t, registry.Reload("acme"))

	def, err := registry.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, 1, def.Version)
}

func TestRegistryGetUnknownTenant(t *testing.T) {
	registry := NewRegistry(registryLogger(), t.TempDir())
	_, err := registry.Get("nobody")
	assert.ErrorIs(t, err, errors.ErrFlowNotFound)
}
