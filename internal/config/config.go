package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors config.yaml. Section structs keep zero values meaningful:
// validation reports what is missing, ApplyDefaults fills the optional rest.
type Config struct {
	LMStudio LMStudioConfig `yaml:"lm_studio"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Excel    ExcelConfig    `yaml:"excel"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type LMStudioConfig struct {
	Host        string  `yaml:"host"`
	Port        int     `yaml:"port"`
	Model       string  `yaml:"model"`
	Version     string  `yaml:"version"`
	Timeout     int     `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// set by Load so validation can distinguish "absent" from "zero"
	temperatureSet bool
}

type IMAPConfig struct {
	Host     string      `yaml:"host"`
	Port     int         `yaml:"port"`
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	Folder   string      `yaml:"folder"`
	Timeout  int         `yaml:"timeout"`
	Filters  IMAPFilters `yaml:"filters"`
}

type IMAPFilters struct {
	Subject  []string `yaml:"subject"`
	DaysBack int      `yaml:"days_back"`
}

type ExcelConfig struct {
	Path          string            `yaml:"path"`
	Columns       map[string]string `yaml:"columns"`
	EmailColumn   string            `yaml:"email_column"`
	BackupDir     string            `yaml:"backup_dir"`
	BackupsToKeep int               `yaml:"backups_to_keep"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

const (
	defaultLMTimeout     = 30
	defaultLMMaxTokens   = 2000
	defaultLMTemperature = 0.7

	defaultIMAPFolder   = "INBOX"
	defaultIMAPTimeout  = 30
	defaultIMAPDaysBack = 30

	defaultBackupsToKeep = 5
)

// Load reads and validates config.yaml. Missing required sections or keys
// fail here so the run stops before any mailbox or workbook is touched.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load without the file read; tests feed it YAML directly.
func Parse(raw []byte) (*Config, error) {
	// decode once into a generic map to see which sections/keys exist at all
	var probe map[string]map[string]any
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	lm, ok := probe["lm_studio"]
	if !ok {
		return nil, fmt.Errorf("missing 'lm_studio' section in config")
	}
	if _, set := lm["temperature"]; set {
		cfg.LMStudio.temperatureSet = true
	}
	if err := cfg.LMStudio.validate(lm); err != nil {
		return nil, err
	}
	if _, ok := probe["imap"]; !ok {
		return nil, fmt.Errorf("missing 'imap' section in config")
	}
	if err := cfg.IMAP.validate(); err != nil {
		return nil, err
	}
	if _, ok := probe["excel"]; !ok {
		return nil, fmt.Errorf("missing 'excel' section in config")
	}
	if err := cfg.Excel.validate(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *LMStudioConfig) validate(present map[string]any) error {
	var missing []string
	for _, key := range []string{"host", "port", "model", "version"} {
		if _, ok := present[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required lm_studio parameters: %v", missing)
	}
	return nil
}

func (c *IMAPConfig) validate() error {
	if c.Host == "" || c.Port == 0 || c.Username == "" || c.Password == "" {
		return fmt.Errorf("missing IMAP credentials in config")
	}
	return nil
}

func (c *ExcelConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("missing excel path in config")
	}
	if len(c.Columns) == 0 {
		return fmt.Errorf("missing excel column mapping in config")
	}
	return nil
}

// TemperatureSet reports whether the config file carried an explicit
// temperature, so a deliberate 0.0 survives defaulting.
func (c *LMStudioConfig) TemperatureSet() bool { return c.temperatureSet }

func (c *Config) ApplyDefaults() {
	if c.LMStudio.Timeout == 0 {
		c.LMStudio.Timeout = defaultLMTimeout
	}
	if c.LMStudio.MaxTokens == 0 {
		c.LMStudio.MaxTokens = defaultLMMaxTokens
	}
	if !c.LMStudio.temperatureSet {
		c.LMStudio.Temperature = defaultLMTemperature
	}
	if c.IMAP.Folder == "" {
		c.IMAP.Folder = defaultIMAPFolder
	}
	if c.IMAP.Timeout == 0 {
		c.IMAP.Timeout = defaultIMAPTimeout
	}
	if c.IMAP.Filters.DaysBack == 0 {
		c.IMAP.Filters.DaysBack = defaultIMAPDaysBack
	}
	if c.Excel.BackupsToKeep == 0 {
		c.Excel.BackupsToKeep = defaultBackupsToKeep
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
