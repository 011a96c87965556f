package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DBPath        string `yaml:"db_path"`
	AttachDir     string `yaml:"attach_dir"`
	SiteURL       string `yaml:"site_url"`
	DefaultActor  string `yaml:"default_actor"`
	LogLevel      string `yaml:"log_level"`
	Output        string `yaml:"output"`
	KBPath        string `yaml:"kb_path"`
	TicketURL     string `yaml:"ticket_url"`
	TicketQueue   string `yaml:"ticket_queue"`
	FetchTimeoutS int    `yaml:"fetch_timeout_seconds"`
	History       bool   `yaml:"history"`

	// KB is the tag knowledge base. It may be given inline or loaded from
	// KBPath, which takes precedence.
	KB KB `yaml:"kb"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/bibupload/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:      "info",
		Output:        "table",
		SiteURL:       "http://localhost",
		FetchTimeoutS: 60,
		History:       true,
		KB:            DefaultKB(),
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	_ = loadYAMLConfig(cfg)

	// Override with environment variables
	if dbPath := getEnvOrFile("BIBUPLOAD_DB_PATH", "BIBUPLOAD_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = strings.TrimSpace(dbPath)
	}
	if attachDir := os.Getenv("BIBUPLOAD_ATTACH_DIR"); attachDir != "" {
		cfg.AttachDir = attachDir
	}
	if siteURL := os.Getenv("BIBUPLOAD_SITE_URL"); siteURL != "" {
		cfg.SiteURL = siteURL
	}
	if logLevel := os.Getenv("BIBUPLOAD_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if output := os.Getenv("BIBUPLOAD_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if defaultActor := os.Getenv("BIBUPLOAD_ACTOR"); defaultActor != "" {
		cfg.DefaultActor = defaultActor
	}
	if kbPath := os.Getenv("BIBUPLOAD_KB_PATH"); kbPath != "" {
		cfg.KBPath = kbPath
	}
	if ticketURL := getEnvOrFile("BIBUPLOAD_TICKET_URL", "BIBUPLOAD_TICKET_URL_FILE"); ticketURL != "" {
		cfg.TicketURL = strings.TrimSpace(ticketURL)
	}
	if queue := os.Getenv("BIBUPLOAD_TICKET_QUEUE"); queue != "" {
		cfg.TicketQueue = queue
	}
	if history := os.Getenv("BIBUPLOAD_HISTORY"); history != "" {
		cfg.History = history != "0" && !strings.EqualFold(history, "false")
	}

	if cfg.KBPath != "" {
		kb, err := LoadKB(cfg.KBPath)
		if err != nil {
			return nil, err
		}
		cfg.KB = kb
	}
	if err := cfg.KB.Validate(); err != nil {
		return nil, err
	}

	// Set defaults if not configured
	if cfg.DBPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(homeDir, ".local", "share", "bibupload", "bibupload.db")
	}

	if cfg.AttachDir == "" {
		cfg.AttachDir = filepath.Join(filepath.Dir(cfg.DBPath), "files")
	}

	return cfg, nil
}

// loadYAMLConfig loads configuration from ~/.config/bibupload/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "bibupload", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}

		if dir == homeDir {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	return ""
}

// GetActor returns the actor recorded in history entries.
// Priority: BIBUPLOAD_ACTOR > config.default_actor > $USER
func (c *Config) GetActor() string {
	if actor := os.Getenv("BIBUPLOAD_ACTOR"); actor != "" {
		return actor
	}
	if c.DefaultActor != "" {
		return c.DefaultActor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "bibupload"
}
