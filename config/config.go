// Package config loads orchestrator configuration with Viper, supporting
// a YAML file, GATEFLOW_ environment overrides and defaults that work
// without any file. The defaults ship the four built-in workflows
// (PR review, issue remediation, code simplification, pre-merge gate).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/gateflow/gateflow/types"
)

// Config is the root configuration container.
type Config struct {
	Engine     EngineConfig            `mapstructure:"engine"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Workflows  []WorkflowConfig        `mapstructure:"workflows"`
	Checklists map[string][]ItemConfig `mapstructure:"checklists"`
}

// EngineConfig tunes timeouts and iteration caps.
type EngineConfig struct {
	// StepTimeoutSec is the default bounded wait for one step.
	StepTimeoutSec int `mapstructure:"step_timeout_sec"`
	// MaxRetries is the retry budget for collaborator unavailability.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelaySec is the base backoff between retries.
	RetryDelaySec int `mapstructure:"retry_delay_sec"`
	// RemediationCap bounds fix iterations per remediation step.
	RemediationCap int `mapstructure:"remediation_cap"`
	// RepeatCap bounds the length of a repeat-condition run chain.
	RepeatCap int `mapstructure:"repeat_cap"`
	// MachineID seeds the snowflake run-ID generator.
	MachineID int64 `mapstructure:"machine_id"`
}

// RedisConfig selects and configures the Redis-backed store.
// When Enabled is false the in-memory store is used.
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// WorkflowConfig is one workflow definition as it appears in the file.
type WorkflowConfig struct {
	Name            string       `mapstructure:"name"`
	Trigger         string       `mapstructure:"trigger"`
	Steps           []StepConfig `mapstructure:"steps"`
	Checklist       string       `mapstructure:"checklist"`
	ExitCondition   string       `mapstructure:"exit_condition"`
	RepeatCondition string       `mapstructure:"repeat_condition"`
	MaxRepeats      int          `mapstructure:"max_repeats"`
}

// StepConfig is one workflow step as it appears in the file.
type StepConfig struct {
	Name          string             `mapstructure:"name"`
	Action        string             `mapstructure:"action"`
	Guard         string             `mapstructure:"guard"`
	Outcome       string             `mapstructure:"outcome"`
	TimeoutSec    int                `mapstructure:"timeout_sec"`
	BestEffort    bool               `mapstructure:"best_effort"`
	MaxRetries    int                `mapstructure:"max_retries"`
	RetryDelaySec int                `mapstructure:"retry_delay_sec"`
	Remediation   *RemediationConfig `mapstructure:"remediation"`
}

// RemediationConfig configures a step's bounded fix/verify/commit loop.
type RemediationConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"`
	ExitCondition string `mapstructure:"exit_condition"`
}

// ItemConfig is one checklist item as it appears in the file.
type ItemConfig struct {
	Name      string `mapstructure:"name"`
	Predicate string `mapstructure:"predicate"`
}

// Default returns the built-in configuration. It works without any file
// and carries the four standard workflows plus the merge gate.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			StepTimeoutSec: 60,
			MaxRetries:     3,
			RetryDelaySec:  1,
			RemediationCap: 10,
			RepeatCap:      10,
			MachineID:      1,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Workflows: []WorkflowConfig{
			{
				Name:    "pr-review",
				Trigger: string(types.EventPROpened),
				Steps: []StepConfig{
					{Name: "scan", Action: "scan_changes", Outcome: "none"},
					{Name: "review", Action: "post_review", Outcome: "comment"},
					{Name: "summarize", Action: "post_summary", Outcome: "comment", BestEffort: true},
				},
			},
			{
				Name:            "issue-remediation",
				Trigger:         string(types.EventIssuesReported),
				RepeatCondition: "issues > 0",
				Steps: []StepConfig{
					{
						Name:        "remediate",
						Action:      "fix_issue",
						Outcome:     "commit",
						Remediation: &RemediationConfig{MaxIterations: 10},
					},
					{Name: "push", Action: "push_branch", Outcome: "push"},
				},
			},
			{
				Name:    "code-simplification",
				Trigger: string(types.EventManualInvoke),
				Steps: []StepConfig{
					{Name: "scan", Action: "scan_complexity", Outcome: "none"},
					{Name: "refactor", Action: "simplify_function", Guard: "complex_functions > 0", Outcome: "commit"},
					{Name: "verify", Action: "run_tests", Guard: "complex_functions > 0", Outcome: "none"},
				},
			},
			{
				Name:      "pre-merge",
				Trigger:   string(types.EventPRApproved),
				Checklist: "merge-gate",
				Steps: []StepConfig{
					{Name: "announce", Action: "post_comment", Outcome: "comment", BestEffort: true},
					{Name: "merge", Action: "squash_merge", Outcome: "merge"},
				},
			},
		},
		Checklists: map[string][]ItemConfig{
			"merge-gate": {
				{Name: "ci-passes", Predicate: "ci_status"},
				{Name: "coverage-threshold", Predicate: "coverage"},
				{Name: "no-open-issues", Predicate: "issues_clear"},
			},
		},
	}
}

// Load reads configuration from path, or from the default search
// locations when path is empty. Engine and Redis settings left unset
// fall back to Default; a file that declares workflows replaces the
// built-in set entirely. Environment variables with the GATEFLOW_
// prefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GATEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gateflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gateflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file in the search path; the defaults stand.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields from Default. Workflows are all or
// nothing so a file cannot end up with a half-merged built-in.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Engine.StepTimeoutSec <= 0 {
		c.Engine.StepTimeoutSec = def.Engine.StepTimeoutSec
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = def.Engine.MaxRetries
	}
	if c.Engine.RetryDelaySec <= 0 {
		c.Engine.RetryDelaySec = def.Engine.RetryDelaySec
	}
	if c.Engine.RemediationCap <= 0 {
		c.Engine.RemediationCap = def.Engine.RemediationCap
	}
	if c.Engine.RepeatCap <= 0 {
		c.Engine.RepeatCap = def.Engine.RepeatCap
	}
	if c.Engine.MachineID <= 0 {
		c.Engine.MachineID = def.Engine.MachineID
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if len(c.Workflows) == 0 {
		c.Workflows = def.Workflows
		if len(c.Checklists) == 0 {
			c.Checklists = def.Checklists
		}
	}
}

// Validate checks cross-references the loader cannot express.
func (c *Config) Validate() error {
	names := make(map[string]bool, len(c.Workflows))
	for _, wf := range c.Workflows {
		if wf.Name == "" {
			return fmt.Errorf("workflow without a name")
		}
		if names[wf.Name] {
			return fmt.Errorf("duplicate workflow %s", wf.Name)
		}
		names[wf.Name] = true

		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", wf.Name)
		}
		if wf.Checklist != "" {
			items, ok := c.Checklists[wf.Checklist]
			if !ok {
				return fmt.Errorf("workflow %s references unknown checklist %s", wf.Name, wf.Checklist)
			}
			if len(items) == 0 {
				return fmt.Errorf("checklist %s is empty", wf.Checklist)
			}
		}
	}
	for name, items := range c.Checklists {
		if len(items) == 0 {
			return fmt.Errorf("checklist %s is empty", name)
		}
	}
	return nil
}

// Definitions converts the configured workflows to their domain form.
func (c *Config) Definitions() []types.WorkflowDefinition {
	defs := make([]types.WorkflowDefinition, 0, len(c.Workflows))
	for _, wf := range c.Workflows {
		def := types.WorkflowDefinition{
			Name:            wf.Name,
			Trigger:         types.EventKind(wf.Trigger),
			Checklist:       wf.Checklist,
			ExitCondition:   wf.ExitCondition,
			RepeatCondition: wf.RepeatCondition,
			MaxRepeats:      wf.MaxRepeats,
		}
		for _, sc := range wf.Steps {
			step := types.Step{
				Name:          sc.Name,
				Action:        sc.Action,
				Guard:         sc.Guard,
				Outcome:       types.OutcomeKind(sc.Outcome),
				TimeoutSec:    sc.TimeoutSec,
				BestEffort:    sc.BestEffort,
				MaxRetries:    sc.MaxRetries,
				RetryDelaySec: sc.RetryDelaySec,
			}
			if sc.Remediation != nil {
				step.Remediation = &types.Remediation{
					MaxIterations: sc.Remediation.MaxIterations,
					ExitCondition: sc.Remediation.ExitCondition,
				}
			}
			def.Steps = append(def.Steps, step)
		}
		defs = append(defs, def)
	}
	return defs
}

// ChecklistItems converts the configured checklists to their domain form.
func (c *Config) ChecklistItems() map[string][]types.ChecklistItem {
	out := make(map[string][]types.ChecklistItem, len(c.Checklists))
	for name, items := range c.Checklists {
		converted := make([]types.ChecklistItem, 0, len(items))
		for _, item := range items {
			converted = append(converted, types.ChecklistItem{
				Name:      item.Name,
				Predicate: item.Predicate,
				Result:    types.ResultUnknown,
			})
		}
		out[name] = converted
	}
	return out
}
