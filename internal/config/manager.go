package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/zenith/forensics/internal/core"
)

// ProjectOverrides is the subset of configuration a single engagement may
// tune: matcher tolerances and trigger thresholds. Everything else stays
// global.
type ProjectOverrides struct {
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Triggers       TriggerConfig        `yaml:"triggers"`
}

// ProjectsConfig holds a map of per-project overrides keyed by project code.
type ProjectsConfig struct {
	Projects map[string]ProjectOverrides `yaml:"projects"`
}

// Manager handles dynamic configuration resolution
type Manager struct {
	global   *Config
	projects map[string]ProjectOverrides
	mu       sync.RWMutex
}

// NewManager loads the master config plus an optional per-project overrides
// file. A missing overrides file just means every project runs on the
// global values.
func NewManager(masterPath, projectsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(projectsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, projects: make(map[string]ProjectOverrides)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var pc ProjectsConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return nil, err
	}
	if pc.Projects == nil {
		pc.Projects = make(map[string]ProjectOverrides)
	}

	return &Manager{global: master, projects: pc.Projects}, nil
}

// NewManagerFromConfig wraps an already-loaded config, mostly for tests and
// the CLI tools that never read an overrides file.
func NewManagerFromConfig(cfg *Config) *Manager {
	return &Manager{global: cfg, projects: make(map[string]ProjectOverrides)}
}

// Global returns the master configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// SetOverrides installs or replaces the overrides for one project code.
func (m *Manager) SetOverrides(projectCode string, ov ProjectOverrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectCode] = ov
}

// Reconciliation returns the effective matcher settings for a project,
// merging overrides field by field on top of the global section.
func (m *Manager) Reconciliation(projectCode string) core.ReconciliationSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Reconciliation
	if ov, ok := m.projects[projectCode]; ok {
		if ov.Reconciliation.ClearingWindowDays > 0 {
			effective.ClearingWindowDays = ov.Reconciliation.ClearingWindowDays
		}
		if ov.Reconciliation.AmountTolerancePercent > 0 {
			effective.AmountTolerancePercent = ov.Reconciliation.AmountTolerancePercent
		}
		if ov.Reconciliation.BatchWindowDays > 0 {
			effective.BatchWindowDays = ov.Reconciliation.BatchWindowDays
		}
		if ov.Reconciliation.AutoConfirmThreshold > 0 {
			effective.AutoConfirmThreshold = ov.Reconciliation.AutoConfirmThreshold
		}
		if ov.Reconciliation.BalanceGapThreshold > 0 {
			effective.BalanceGapThreshold = ov.Reconciliation.BalanceGapThreshold
		}
	}
	return effective.Settings()
}

// Triggers returns the effective trigger thresholds for a project.
func (m *Manager) Triggers(projectCode string) TriggerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global.Triggers
	if ov, ok := m.projects[projectCode]; ok {
		if ov.Triggers.CashThreshold > 0 {
			effective.CashThreshold = ov.Triggers.CashThreshold
		}
		if ov.Triggers.StructuringLow > 0 {
			effective.StructuringLow = ov.Triggers.StructuringLow
		}
		if ov.Triggers.StructuringHigh > 0 {
			effective.StructuringHigh = ov.Triggers.StructuringHigh
		}
		if ov.Triggers.GeoRadiusKM > 0 {
			effective.GeoRadiusKM = ov.Triggers.GeoRadiusKM
		}
		if ov.Triggers.DuplicateSimilarity > 0 {
			effective.DuplicateSimilarity = ov.Triggers.DuplicateSimilarity
		}
		if ov.Triggers.VelocityCount > 0 {
			effective.VelocityCount = ov.Triggers.VelocityCount
		}
	}
	return effective
}
