package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sequence of state operations run against a fresh
// engine, followed by assertions on the resulting stores.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Users are inserted into the users table before any step runs. Their
	// tokens are what update and save steps are checked against.
	Users []User `yaml:"users,omitempty"`

	// Options tune the engine for this scenario.
	Options Options `yaml:"options,omitempty"`

	// Steps run in order, one trace event each.
	Steps []Step `yaml:"steps"`

	// Assertions are checked once every step has run.
	Assertions []Assertion `yaml:"assertions"`
}

// User is a row seeded into the users table.
type User struct {
	ID     int64  `yaml:"id"`
	MSISDN string `yaml:"msisdn"`
	Token  string `yaml:"token"`
}

// Options are engine settings a scenario may change.
type Options struct {
	SeedFromDurable bool `yaml:"seed_from_durable,omitempty"`
	RetryAttempts   uint `yaml:"retry_attempts,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	// Op is one of the Op* constants.
	Op string `yaml:"op"`

	User  int64  `yaml:"user"`
	Token string `yaml:"token,omitempty"`

	// Patch is the update payload.
	Patch map[string]any `yaml:"patch,omitempty"`

	// JSONData is the save fallback.
	JSONData map[string]any `yaml:"json_data,omitempty"`

	// Count is the number of durable writes fail_durable makes fail.
	Count int `yaml:"count,omitempty"`

	// Expect, when present, is compared against the step's outcome.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match on a step outcome; unset fields are not checked.
type Expect struct {
	// Error is the expected error code, or "" for success.
	Error string `yaml:"error,omitempty"`

	Version     *int64         `yaml:"version,omitempty"`
	StatementID *int64         `yaml:"statement_id,omitempty"`
	Written     *bool          `yaml:"written,omitempty"`
	Phase       string         `yaml:"phase,omitempty"`
	Source      string         `yaml:"source,omitempty"`
	Data        map[string]any `yaml:"data,omitempty"`
}

// Step operations.
const (
	OpUpdate      = "update"
	OpSave        = "save"
	OpFlush       = "flush"
	OpGet         = "get"
	OpFailDurable = "fail_durable"
)

// Assertion types.
const (
	AssertStatementCount  = "statement_count"
	AssertLatestStatement = "latest_statement"
	AssertCacheEmpty      = "cache_empty"
	AssertCacheVersion    = "cache_version"
	AssertTraceCount      = "trace_count"
)

// Assertion checks final state. Which fields apply depends on Type.
type Assertion struct {
	Type string `yaml:"type"`
	User int64  `yaml:"user,omitempty"`

	// Count is used by statement_count and trace_count.
	Count int `yaml:"count,omitempty"`

	// Version is used by cache_version.
	Version int64 `yaml:"version,omitempty"`

	// Data is used by latest_statement; it must equal the stored document.
	Data map[string]any `yaml:"data,omitempty"`

	// Op and Outcome select events for trace_count. An empty Outcome
	// matches every outcome.
	Op      string `yaml:"op,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, u := range s.Users {
		if u.Token == "" {
			return fmt.Errorf("users[%d]: token is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step *Step) error {
	switch step.Op {
	case OpUpdate:
		if step.Patch == nil {
			return fmt.Errorf("steps[%d]: patch is required for update", i)
		}
	case OpSave, OpFlush, OpGet:
	case OpFailDurable:
		if step.Count <= 0 {
			return fmt.Errorf("steps[%d]: count must be positive for fail_durable", i)
		}
		return nil
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}
	if step.User <= 0 {
		return fmt.Errorf("steps[%d]: user must be positive", i)
	}
	return nil
}

func validateAssertion(i int, a *Assertion) error {
	switch a.Type {
	case AssertStatementCount, AssertCacheEmpty:
	case AssertLatestStatement:
		if a.Data == nil {
			return fmt.Errorf("assertions[%d]: data is required for latest_statement", i)
		}
	case AssertCacheVersion:
		if a.Version <= 0 {
			return fmt.Errorf("assertions[%d]: version must be positive for cache_version", i)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", i)
		}
		return nil
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	if a.User <= 0 {
		return fmt.Errorf("assertions[%d]: user must be positive", i)
	}
	return nil
}
