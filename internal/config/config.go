package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

type Config struct {
	DataDir string `mapstructure:"-"`

	Store         string       `mapstructure:"store"`
	Agent         AgentConfig  `mapstructure:"agent"`
	Answer        AnswerConfig `mapstructure:"answer"`
	SettingsFile  string       `mapstructure:"settings_file"`
	WorkflowDirs  []string     `mapstructure:"workflow_dirs"`
	AgentDirs     []string     `mapstructure:"agent_dirs"`
	SkillDirs     []string     `mapstructure:"skill_dirs"`
	ProjectSkills []string     `mapstructure:"project_skills"`
	LogLevel      string       `mapstructure:"log_level"`
	Trace         bool         `mapstructure:"trace"`
}

// AgentConfig describes how agent subprocesses are launched.
type AgentConfig struct {
	Command   string        `mapstructure:"command"`
	Args      []string      `mapstructure:"args"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
	WorkDir   string        `mapstructure:"work_dir"`
}

// AnswerConfig tunes the child-side wait for an answer file.
type AnswerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// New resolves the data directory and loads <dataDir>/config.yaml, if any,
// with CHRONICLE_* environment overrides.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return Load(getEnv("CHRONICLE_DATA_DIR", filepath.Join(homeDir, ".chronicle")))
}

func Load(dataDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dataDir)
	v.SetEnvPrefix("CHRONICLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	c.DataDir = dataDir

	if c.Store != StoreFile && c.Store != StoreSQLite {
		return nil, fmt.Errorf("invalid store %q: must be %s or %s", c.Store, StoreFile, StoreSQLite)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StoreFile)
	v.SetDefault("agent.command", "pi")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.model", "")
	v.SetDefault("agent.timeout", 15*time.Minute)
	v.SetDefault("agent.kill_grace", 5*time.Second)
	v.SetDefault("agent.work_dir", "")
	v.SetDefault("answer.poll_interval", 400*time.Millisecond)
	v.SetDefault("answer.max_wait", 10*time.Minute)
	v.SetDefault("settings_file", "")
	v.SetDefault("workflow_dirs", []string{})
	v.SetDefault("agent_dirs", []string{})
	v.SetDefault("skill_dirs", []string{})
	v.SetDefault("project_skills", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("trace", false)
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.UserWorkflowDir(), c.UserAgentDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "chronicle.log")
}

func (c *Config) UserWorkflowDir() string {
	return filepath.Join(c.DataDir, "workflows")
}

func (c *Config) UserAgentDir() string {
	return filepath.Join(c.DataDir, "agents")
}

// WorkflowSearchDirs lists where workflow files are looked up, project
// directory first.
func (c *Config) WorkflowSearchDirs() []string {
	dirs := []string{filepath.Join(".chronicle", "workflows")}
	dirs = append(dirs, c.WorkflowDirs...)
	return append(dirs, c.UserWorkflowDir())
}

func (c *Config) AgentSearchDirs() []string {
	dirs := []string{filepath.Join(".chronicle", "agents")}
	dirs = append(dirs, c.AgentDirs...)
	return append(dirs, c.UserAgentDir())
}

// Settings returns the project settings text, or "" when none is set.
func (c *Config) Settings() (string, error) {
	if c.SettingsFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.SettingsFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read settings: %w", err)
	}
	return string(data), nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
