package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"bastion/internal/domain"
)

// Config models bastion.yml: the static game catalog a session runs with.
// The engine only ever reads requirements and targets from it; it is
// immutable for the lifetime of a session.
type Config struct {
	Session struct {
		MaxTurns int `yaml:"max_turns"`
	} `yaml:"session"`
	Factions  map[string]FactionDef `yaml:"factions"`
	Project   ProjectDef            `yaml:"project"`
	Goals     map[string][]GoalDef  `yaml:"goals"`
	Abilities map[string]AbilityDef `yaml:"abilities"`
	Starting struct {
		Factions   map[string]map[string]int `yaml:"factions"`
		GlobalPool map[string]int            `yaml:"global_pool"`
	} `yaml:"starting"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type FactionDef struct {
	Description string   `yaml:"description"`
	Produces    []string `yaml:"produces"`
}

type ProjectDef struct {
	ID     string     `yaml:"id"`
	Name   string     `yaml:"name"`
	Stages []StageDef `yaml:"stages"`
}

type StageDef struct {
	Name         string         `yaml:"name"`
	Requirements map[string]int `yaml:"requirements"`
}

// GoalDef defines one mini-goal template for a faction. Metric names the
// aggregation the progress tracker re-derives each turn; streak metrics also
// carry the per-turn surplus that must hold.
type GoalDef struct {
	Type    string `yaml:"type"`
	Metric  string `yaml:"metric"`
	Target  int    `yaml:"target"`
	Surplus int    `yaml:"surplus,omitempty"`
}

// Goal tracking metrics.
const (
	MetricTradeCount    = "trade_count"
	MetricGatherTotal   = "gather_total"
	MetricProtectTokens = "protect_tokens"
	MetricResearchCount = "research_count"
	MetricFoodStreak    = "food_streak"
)

type AbilityDef struct {
	Description string          `yaml:"description"`
	Costs       map[string]int  `yaml:"costs,omitempty"`
	Effects     []AbilityEffect `yaml:"effects"`
}

type AbilityEffect struct {
	Target   string `yaml:"target"` // self or global_pool
	Resource string `yaml:"resource"`
	Amount   int    `yaml:"amount"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with bastion session config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the catalog is internally consistent.
func (c *Config) Validate() error {
	if c.Session.MaxTurns < 1 {
		return fmt.Errorf("config.session.max_turns must be at least 1")
	}
	if len(c.Factions) == 0 {
		return fmt.Errorf("config.factions is required")
	}
	for id, f := range c.Factions {
		if id == "" {
			return fmt.Errorf("config.factions contains empty faction id")
		}
		if len(f.Produces) == 0 {
			return fmt.Errorf("faction %s produces no resources", id)
		}
	}
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Project.Stages) == 0 {
		return fmt.Errorf("config.project.stages is required")
	}
	for i, s := range c.Project.Stages {
		if len(s.Requirements) == 0 {
			return fmt.Errorf("project stage %d has no requirements", i+1)
		}
		for res, amount := range s.Requirements {
			if res == "" || amount <= 0 {
				return fmt.Errorf("project stage %d has invalid requirement %s=%d", i+1, res, amount)
			}
		}
	}
	for faction, goals := range c.Goals {
		if _, ok := c.Factions[faction]; !ok {
			return fmt.Errorf("goals reference unknown faction %s", faction)
		}
		for _, g := range goals {
			if g.Type == "" || g.Metric == "" {
				return fmt.Errorf("faction %s has goal with empty type or metric", faction)
			}
			if g.Target <= 0 {
				return fmt.Errorf("goal %s for faction %s needs a positive target", g.Type, faction)
			}
			if g.Metric == MetricFoodStreak && g.Surplus <= 0 {
				return fmt.Errorf("goal %s uses %s and needs a positive surplus", g.Type, g.Metric)
			}
		}
	}
	for name, a := range c.Abilities {
		if name == "" {
			return fmt.Errorf("config.abilities contains empty ability name")
		}
		if len(a.Effects) == 0 {
			return fmt.Errorf("ability %s has no effects", name)
		}
		for _, eff := range a.Effects {
			if eff.Target != "self" && eff.Target != domain.GlobalPool {
				return fmt.Errorf("ability %s effect target must be self or %s", name, domain.GlobalPool)
			}
			if eff.Target == domain.GlobalPool && !domain.GlobalPoolResources[eff.Resource] {
				return fmt.Errorf("ability %s credits %s which is not a global-pool resource", name, eff.Resource)
			}
			if eff.Amount == 0 {
				return fmt.Errorf("ability %s has a zero-amount effect", name)
			}
		}
	}
	for faction := range c.Starting.Factions {
		if _, ok := c.Factions[faction]; !ok {
			return fmt.Errorf("starting resources reference unknown faction %s", faction)
		}
	}
	for res := range c.Starting.GlobalPool {
		if !domain.GlobalPoolResources[res] {
			return fmt.Errorf("starting global pool resource %s is not poolable", res)
		}
	}
	return nil
}

// FinalStage reports whether stage is the project's last stage.
func (c *Config) FinalStage(stage int) bool {
	return stage >= len(c.Project.Stages)
}

// StageRequirements returns the requirement map for a 1-based stage number.
func (c *Config) StageRequirements(stage int) (map[string]int, bool) {
	if stage < 1 || stage > len(c.Project.Stages) {
		return nil, false
	}
	return c.Project.Stages[stage-1].Requirements, true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bastion.yml")
}

// DefaultYAML returns the default catalog as a YAML document, suitable for
// writing a starter bastion.yml.
func DefaultYAML() []byte {
	return []byte(defaultTemplate)
}

// Default returns the default catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `session:
  max_turns: 12

factions:
  provisioner:
    description: "Keeps the settlement fed"
    produces: [food, timber]
  guardian:
    description: "Raises walls and watches"
    produces: [stone, protection_tokens]
  mystic:
    description: "Channels the old magics"
    produces: [magic_crystals, insight_tokens]
  explorer:
    description: "Charts the wilds for materials"
    produces: [timber, stone]

project:
  id: great-bastion
  name: "The Great Bastion"
  stages:
    - name: foundations
      requirements: {timber: 10, stone: 10}
    - name: walls
      requirements: {stone: 15, timber: 5, magic_crystals: 5}
    - name: wards
      requirements: {magic_crystals: 10, food: 5}

goals:
  provisioner:
    - type: food_security
      metric: food_streak
      target: 3
      surplus: 4
    - type: sustainability
      metric: gather_total
      target: 30
  guardian:
    - type: bulwark
      metric: protect_tokens
      target: 8
  mystic:
    - type: arcane_lore
      metric: research_count
      target: 3
  explorer:
    - type: trade_network
      metric: trade_count
      target: 5

abilities:
  bountiful_harvest:
    description: "Provisioner doubles down on the fields"
    costs: {food: 2}
    effects:
      - {target: self, resource: food, amount: 6}
  stand_watch:
    description: "Guardian posts extra sentries"
    costs: {stone: 3}
    effects:
      - {target: global_pool, resource: protection_tokens, amount: 2}
  scrying_ritual:
    description: "Mystic reads the currents"
    costs: {magic_crystals: 2}
    effects:
      - {target: global_pool, resource: insight_tokens, amount: 2}
  trailblazing:
    description: "Explorer opens a supply route"
    costs: {timber: 2}
    effects:
      - {target: global_pool, resource: infrastructure_tokens, amount: 2}

starting:
  factions:
    provisioner: {food: 10, timber: 2}
    guardian: {stone: 8, food: 4}
    mystic: {magic_crystals: 6, food: 4}
    explorer: {timber: 8, food: 4}
  global_pool:
    protection_tokens: 3
    stability_tokens: 5
    insight_tokens: 0
    infrastructure_tokens: 0
    project_progress: 0
`
