package seed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	existing int
	rules    []models.Rule
	devices  []models.Device
}

func (m *memStore) CountRules(context.Context) (int, error) { return m.existing + len(m.rules), nil }

func (m *memStore) CreateRule(_ context.Context, r models.Rule) (models.Rule, error) {
	r.ID = int64(len(m.rules) + 1)
	m.rules = append(m.rules, r)
	return r, nil
}

func (m *memStore) UpsertDevice(_ context.Context, d models.Device) error {
	m.devices = append(m.devices, d)
	return nil
}

func TestDefaultPresetsCompile(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	assert.Len(t, p.Rules, 5)
	assert.NotEmpty(t, p.Devices)

	for _, r := range p.Rules {
		row, err := r.model()
		require.NoError(t, err)
		_, err = automation.CompileRule(row)
		assert.NoError(t, err, r.Name)
	}
}

func TestApply_EmptyCatalog(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	store := &memStore{}

	n, err := Apply(context.Background(), store, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, store.devices, len(p.Devices))

	freezer := store.rules[0]
	assert.Equal(t, 10, freezer.Priority)
	assert.True(t, freezer.IsActive)

	var cond map[string]any
	require.NoError(t, json.Unmarshal(freezer.Condition, &cond))
	assert.Equal(t, "CARN-TEMP-001", cond["device_id"])
	assert.Equal(t, -10.0, cond["value"])

	humidity := store.rules[2]
	assert.Equal(t, 300, humidity.CooldownSeconds)

	rule, err := automation.CompileRule(store.rules[3])
	require.NoError(t, err)
	act := rule.Action.(*automation.ActuateAction)
	require.NotNil(t, act.Duration)
	assert.Equal(t, 1800, *act.Duration)
}

func TestApply_SkipsPopulatedCatalog(t *testing.T) {
	p, _ := Default()
	store := &memStore{existing: 2}

	n, err := Apply(context.Background(), store, p, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.rules)
	assert.Empty(t, store.devices)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: Cold
    condition: {or: [{device_id: A, operator: ">", value: 5}, {device_id: B, operator: in, value: [1, 2]}]}
    action: {type: log, level: WARNING, message: cold}
    cooldown_seconds: 0
`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	require.Len(t, p.Rules, 1)
	row, err := p.Rules[0].model()
	require.NoError(t, err)
	assert.Equal(t, 0, row.CooldownSeconds)

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: Broken
    condition: {device_id: A, operator: "~", value: 5}
    action: {type: log}
`), 0o600))
	_, err = Load(path)
	assert.ErrorIs(t, err, automation.ErrUnknownOperator)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
