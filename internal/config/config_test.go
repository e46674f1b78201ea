package config_test

import (
	"strings"
	"testing"

	"bastion/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Session.MaxTurns != 12 {
		t.Fatalf("max turns = %d, want 12", cfg.Session.MaxTurns)
	}
	if len(cfg.Factions) != 4 {
		t.Fatalf("factions = %d, want 4", len(cfg.Factions))
	}
	if len(cfg.Project.Stages) != 3 {
		t.Fatalf("stages = %d, want 3", len(cfg.Project.Stages))
	}
}

func TestDefaultYAMLRoundtrips(t *testing.T) {
	cfg, err := config.FromYAML(config.DefaultYAML())
	if err != nil {
		t.Fatalf("parse default yaml: %v", err)
	}
	if cfg.Project.ID != "great-bastion" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestValidateRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "zero max turns",
			mutate:  func(c *config.Config) { c.Session.MaxTurns = 0 },
			wantErr: "max_turns",
		},
		{
			name:    "no factions",
			mutate:  func(c *config.Config) { c.Factions = nil },
			wantErr: "factions",
		},
		{
			name: "faction produces nothing",
			mutate: func(c *config.Config) {
				f := c.Factions["mystic"]
				f.Produces = nil
				c.Factions["mystic"] = f
			},
			wantErr: "produces no resources",
		},
		{
			name:    "no project stages",
			mutate:  func(c *config.Config) { c.Project.Stages = nil },
			wantErr: "stages",
		},
		{
			name: "stage with negative requirement",
			mutate: func(c *config.Config) {
				c.Project.Stages[0].Requirements = map[string]int{"stone": -1}
			},
			wantErr: "invalid requirement",
		},
		{
			name: "goal for unknown faction",
			mutate: func(c *config.Config) {
				c.Goals["ghosts"] = []config.GoalDef{{Type: "haunt", Metric: config.MetricTradeCount, Target: 1}}
			},
			wantErr: "unknown faction",
		},
		{
			name: "streak goal without surplus",
			mutate: func(c *config.Config) {
				c.Goals["guardian"] = []config.GoalDef{{Type: "well_fed", Metric: config.MetricFoodStreak, Target: 3}}
			},
			wantErr: "surplus",
		},
		{
			name: "ability with bad target",
			mutate: func(c *config.Config) {
				c.Abilities["oops"] = config.AbilityDef{Effects: []config.AbilityEffect{{Target: "enemy", Resource: "food", Amount: 1}}}
			},
			wantErr: "target must be",
		},
		{
			name: "ability pools a private resource",
			mutate: func(c *config.Config) {
				c.Abilities["oops"] = config.AbilityDef{Effects: []config.AbilityEffect{{Target: "global_pool", Resource: "timber", Amount: 1}}}
			},
			wantErr: "not a global-pool resource",
		},
		{
			name: "starting pool with private resource",
			mutate: func(c *config.Config) {
				c.Starting.GlobalPool["timber"] = 3
			},
			wantErr: "not poolable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
