package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"multirubro/internal/automation"
	"multirubro/internal/models"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresets []byte

// Store is where presets are installed
type Store interface {
	CountRules(ctx context.Context) (int, error)
	CreateRule(ctx context.Context, r models.Rule) (models.Rule, error)
	UpsertDevice(ctx context.Context, dev models.Device) error
}

type Device struct {
	DeviceID   string `yaml:"device_id"`
	Name       string `yaml:"name"`
	DeviceType string `yaml:"device_type"`
	Rubro      string `yaml:"rubro"`
	Location   string `yaml:"location"`
}

type Rule struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	Condition       map[string]any `yaml:"condition"`
	Action          map[string]any `yaml:"action"`
	IsActive        *bool          `yaml:"is_active"`
	Priority        int            `yaml:"priority"`
	CooldownSeconds *int           `yaml:"cooldown_seconds"`
}

// Presets is the content of a seed file
type Presets struct {
	Devices []Device `yaml:"devices"`
	Rules   []Rule   `yaml:"rules"`
}

// Default returns the built-in presets
func Default() (*Presets, error) {
	return Parse(defaultPresets)
}

// Load reads presets from path, or the built-in ones when path is empty
func Load(path string) (*Presets, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes presets and checks every rule compiles
func Parse(data []byte) (*Presets, error) {
	var p Presets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, r := range p.Rules {
		row, err := r.model()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if _, err := automation.CompileRule(row); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	return &p, nil
}

func (r Rule) model() (models.Rule, error) {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return models.Rule{}, err
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return models.Rule{}, err
	}
	row := models.Rule{
		Name:            r.Name,
		Description:     r.Description,
		Condition:       cond,
		Action:          action,
		IsActive:        true,
		Priority:        r.Priority,
		CooldownSeconds: 300,
	}
	if r.IsActive != nil {
		row.IsActive = *r.IsActive
	}
	if r.CooldownSeconds != nil {
		row.CooldownSeconds = *r.CooldownSeconds
	}
	return row, nil
}

// Apply installs p into an empty catalog and returns how many rules were
// created. A catalog that already has rules is left alone.
func Apply(ctx context.Context, store Store, p *Presets, logger *zap.SugaredLogger) (int, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("component", "seed")

	n, err := store.CountRules(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debugw("Rule catalog not empty, skipping presets", "rules", n)
		return 0, nil
	}

	for _, d := range p.Devices {
		dev := models.Device{DeviceID: d.DeviceID, Name: d.Name, DeviceType: d.DeviceType, Rubro: d.Rubro, Location: d.Location}
		if err := store.UpsertDevice(ctx, dev); err != nil {
			return 0, fmt.Errorf("seed device %s: %w", d.DeviceID, err)
		}
	}

	created := 0
	for _, r := range p.Rules {
		row, err := r.model()
		if err != nil {
			return created, err
		}
		if _, err := store.CreateRule(ctx, row); err != nil {
			return created, fmt.Errorf("seed rule %s: %w", r.Name, err)
		}
		created++
	}
	logger.Infow("Installed presets", "devices", len(p.Devices), "rules", created)
	return created, nil
}
