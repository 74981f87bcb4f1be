package config

import (
	"os"
	"path/filepath"

	"github.com/m4xw311/acpc/errors"
	"gopkg.in/yaml.v3"
)

// DefaultStateDir is where the registry and cached login token live,
// relative to the working directory unless overridden.
const DefaultStateDir = ".acpc"

// FilesystemAccess gates the agent's view of the local filesystem.
// Hidden paths are invisible to both reads and writes; read_only paths
// reject writes. Patterns are doublestar globs.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// MCPServer is forwarded opaquely to the agent in session/new; this client
// never launches MCP servers itself.
type MCPServer struct {
	Name    string   `yaml:"name" json:"name"`
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args,omitempty"`
}

type Config struct {
	AgentURL         string           `yaml:"agent_url"`
	AuthURL          string           `yaml:"auth_url"`
	CompletionURL    string           `yaml:"completion_url"`
	CompletionModel  string           `yaml:"completion_model"`
	StateDir         string           `yaml:"state_dir"`
	MCPServers       []MCPServer      `yaml:"mcp_servers"`
	FilesystemAccess FilesystemAccess `yaml:"filesystem_access"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{StateDir: DefaultStateDir}

	// The state dir itself is never exposed to the agent.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, DefaultStateDir, DefaultStateDir+"/**")

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, DefaultStateDir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, DefaultStateDir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}
