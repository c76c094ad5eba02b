package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the tgidx config.toml.
type Config struct {
	// Name identifies this backend instance. Runtime state (index,
	// database, session, logs) lives under RuntimeDir/Name.
	Name       string `toml:"name"`
	RuntimeDir string `toml:"runtime_dir"`

	Telegram TelegramConfig `toml:"telegram"`
	Backend  BackendConfig  `toml:"backend"`
	Frontend FrontendConfig `toml:"frontend"`
}

// TelegramConfig holds MTProto API credentials.
type TelegramConfig struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`
}

// BackendConfig controls monitoring and index restore behavior.
type BackendConfig struct {
	// MonitorAll indexes every incoming chat except ExcludeChats.
	// When false, only explicitly tracked or backfilled chats are indexed.
	MonitorAll   bool    `toml:"monitor_all"`
	ExcludeChats []int64 `toml:"exclude_chats"`

	// RestoreFromIndex re-monitors chats found in the index at startup.
	// Chats with zero indexed documents are never restored implicitly;
	// they must be tracked explicitly or backfilled again.
	RestoreFromIndex bool `toml:"restore_from_index"`
}

// FrontendConfig holds defaults for query surfaces.
type FrontendConfig struct {
	PageLen       int `toml:"page_len"`
	CursorTTLMins int `toml:"cursor_ttl_minutes"`
}

// Load reads and validates config from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Name: "default",
		Backend: BackendConfig{
			RestoreFromIndex: true,
		},
		Frontend: FrontendConfig{
			PageLen:       10,
			CursorTTLMins: 30,
		},
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RuntimeDir == "" {
		return fmt.Errorf("config: runtime_dir is required")
	}
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return fmt.Errorf("config: telegram.api_id and telegram.api_hash are required")
	}
	if c.Frontend.PageLen <= 0 {
		return fmt.Errorf("config: frontend.page_len must be positive")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// CursorTTL returns the pagination cursor idle timeout.
func (c *Config) CursorTTL() time.Duration {
	return time.Duration(c.Frontend.CursorTTLMins) * time.Minute
}

// Dir returns the instance-specific runtime directory.
func (c *Config) Dir() string {
	return filepath.Join(c.RuntimeDir, c.Name)
}

// IndexDir returns the bleve index directory.
func (c *Config) IndexDir() string {
	return filepath.Join(c.Dir(), "index")
}

// DBPath returns the app-owned sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.Dir(), "tgidx.db")
}

// SessionPath returns the MTProto session file path.
func (c *Config) SessionPath() string {
	return filepath.Join(c.Dir(), "telegram.session")
}

// SocketPath returns the daemon's unix socket path.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Dir(), "daemon.sock")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.Dir(), "logs", "tgidxd.log")
}

// EnsureDirs creates the runtime directory tree. The index directory
// itself is left to bleve, which refuses to adopt a pre-existing path.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.Dir(), filepath.Dir(c.LogPath())} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
