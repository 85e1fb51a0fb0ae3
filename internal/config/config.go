package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"paychat/internal/domain"
)

// Config models paychat.yml.
type Config struct {
	Classifier struct {
		Provider            string  `yaml:"provider"`
		Model               string  `yaml:"model"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	} `yaml:"classifier"`
	Calculation struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"calculation"`
	Session struct {
		IdleExpiryMinutes int `yaml:"idle_expiry_minutes"`
		HistoryWindow     int `yaml:"history_window"`
	} `yaml:"session"`
	Tasks []TaskConfig `yaml:"tasks"`
}

type TaskConfig struct {
	ID          string           `yaml:"id"`
	DisplayName string           `yaml:"display_name"`
	Description string           `yaml:"description"`
	Files       []FileSlotConfig `yaml:"files"`
}

type FileSlotConfig struct {
	FileType    string   `yaml:"file_type"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Output      bool     `yaml:"output"`
	Columns     []string `yaml:"columns"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'paychat config init' to create a default one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets the required structure. A malformed
// task catalog is fatal: the process must not start with one.
func (c *Config) Validate() error {
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return fmt.Errorf("classifier.confidence_threshold must be in [0,1]")
	}
	switch c.Classifier.Provider {
	case "", "rules", "openai":
	default:
		return fmt.Errorf("classifier.provider %q not supported", c.Classifier.Provider)
	}
	if len(c.Tasks) == 0 {
		return fmt.Errorf("config.tasks is required")
	}
	seenTasks := map[string]bool{}
	for _, task := range c.Tasks {
		if task.ID == "" {
			return fmt.Errorf("config.tasks contains a task without id")
		}
		if seenTasks[task.ID] {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		seenTasks[task.ID] = true
		if len(task.Files) == 0 {
			return fmt.Errorf("task %s declares no file slots", task.ID)
		}
		seenFiles := map[string]bool{}
		for _, slot := range task.Files {
			if slot.FileType == "" {
				return fmt.Errorf("task %s has a file slot without file_type", task.ID)
			}
			if seenFiles[slot.FileType] {
				return fmt.Errorf("task %s has duplicate file_type %s", task.ID, slot.FileType)
			}
			seenFiles[slot.FileType] = true
			if !slot.Output && len(slot.Columns) == 0 {
				return fmt.Errorf("task %s input slot %s declares no columns", task.ID, slot.FileType)
			}
			if slot.Output && slot.Required {
				return fmt.Errorf("task %s output slot %s cannot be required", task.ID, slot.FileType)
			}
		}
	}
	return nil
}

// TaskDefinitions converts the catalog section to domain types, in
// declaration order.
func (c *Config) TaskDefinitions() []domain.TaskDefinition {
	defs := make([]domain.TaskDefinition, 0, len(c.Tasks))
	for _, task := range c.Tasks {
		def := domain.TaskDefinition{
			ID:          task.ID,
			DisplayName: task.DisplayName,
			Description: task.Description,
		}
		for _, slot := range task.Files {
			def.Files = append(def.Files, domain.FileSlot{
				FileType:    slot.FileType,
				Description: slot.Description,
				Required:    slot.Required,
				Output:      slot.Output,
				Columns:     slot.Columns,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "paychat.yml")
}

// Default returns the built-in default configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = "gpt-4o-mini"
	}
	if cfg.Classifier.ConfidenceThreshold == 0 {
		cfg.Classifier.ConfidenceThreshold = 0.6
	}
	if cfg.Calculation.TimeoutSeconds == 0 {
		cfg.Calculation.TimeoutSeconds = 60
	}
	if cfg.Session.IdleExpiryMinutes == 0 {
		cfg.Session.IdleExpiryMinutes = 60
	}
	if cfg.Session.HistoryWindow == 0 {
		cfg.Session.HistoryWindow = 3
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

const defaultTemplate = `classifier:
  provider: rules
  model: gpt-4o-mini
  confidence_threshold: 0.6

calculation:
  timeout_seconds: 60

session:
  idle_expiry_minutes: 60
  history_window: 3

tasks:
  - id: payroll_salary
    display_name: "Monthly salary calculation"
    description: "Computes monthly pay per employee from the employee master, attendance records, and allowance master."
    files:
      - file_type: employee_master
        description: "Employee master (code, name, department, base salary)"
        required: true
        columns: [employee_code, name, department, base_salary]
      - file_type: attendance
        description: "Monthly attendance (work days and overtime hours per employee)"
        required: true
        columns: [employee_code, target_month, work_days, overtime_hours]
      - file_type: allowance_master
        description: "Allowance master (commute and housing allowances per employee)"
        required: true
        columns: [employee_code, commute_allowance, housing_allowance]
      - file_type: position_master
        description: "Position master with position allowances (optional)"
        required: false
        columns: [employee_code, position, position_allowance]
      - file_type: salary_output
        description: "Computed salary statement"
        output: true

  - id: payroll_bonus
    display_name: "Bonus calculation"
    description: "Computes bonus payments from the employee master and the bonus evaluation sheet."
    files:
      - file_type: employee_master
        description: "Employee master (code, name, department, base salary)"
        required: true
        columns: [employee_code, name, department, base_salary]
      - file_type: bonus_evaluation
        description: "Bonus evaluation sheet (months multiplier per employee)"
        required: true
        columns: [employee_code, target_month, bonus_months]
      - file_type: bonus_output
        description: "Computed bonus statement"
        output: true
`
