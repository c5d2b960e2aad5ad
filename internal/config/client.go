package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig 是命令行客户端的配置，来自 TOML 文件并可被 TAVERN_* 环境变量覆盖。
// NonStreamingAttachments 为 true 时带附件的消息走非流式接口。
type ClientConfig struct {
	BaseURL                 string        `toml:"base_url"`
	Token                   string        `toml:"token"`
	PageSize                int           `toml:"page_size"`
	CacheTTL                time.Duration `toml:"cache_ttl"`
	NonStreamingAttachments bool          `toml:"non_streaming_attachments"`
	StatePath               string        `toml:"state_path"`
	Log                     LogConfig     `toml:"-"`
}

// ClientState 是跨进程保留的客户端状态，目前只包含当前会话。
type ClientState struct {
	ActiveSessionID int64 `toml:"active_session_id"`
}

// DefaultClientConfig 返回未配置时使用的默认值。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:   "http://localhost:8080",
		PageSize:  10,
		CacheTTL:  5 * time.Minute,
		StatePath: filepath.Join(defaultClientDir(), "state.toml"),
		Log:       LogConfig{Level: "warn", Format: "text", Output: "stderr"},
	}
}

// DefaultClientPath 返回默认的客户端配置文件路径。
func DefaultClientPath() string {
	return filepath.Join(defaultClientDir(), "config.toml")
}

func defaultClientDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tavern-chat"
	}
	return filepath.Join(dir, "tavern-chat")
}

// LoadClient 读取 path 指向的 TOML 文件（不存在时使用默认值），再应用环境变量覆盖。
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ClientConfig{}, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return ClientConfig{}, err
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return ClientConfig{}, fmt.Errorf("base_url is required")
	}
	if cfg.PageSize < 1 {
		cfg.PageSize = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return cfg, nil
}

func (c *ClientConfig) applyEnvOverrides() error {
	c.BaseURL = getEnvOrDefault("TAVERN_BASE_URL", c.BaseURL)
	c.Token = getEnvOrDefault("TAVERN_TOKEN", c.Token)
	c.StatePath = getEnvOrDefault("TAVERN_STATE_PATH", c.StatePath)

	pageSize, err := parseOptionalIntEnv("TAVERN_PAGE_SIZE")
	if err != nil {
		return err
	}
	if pageSize != nil {
		c.PageSize = *pageSize
	}

	if raw := strings.TrimSpace(os.Getenv("TAVERN_CACHE_TTL")); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid TAVERN_CACHE_TTL value %q: %w", raw, err)
		}
		c.CacheTTL = ttl
	}

	nonStreaming, err := parseBoolEnv("TAVERN_NON_STREAMING_ATTACHMENTS", c.NonStreamingAttachments)
	if err != nil {
		return err
	}
	c.NonStreamingAttachments = nonStreaming

	c.Log.Level = strings.ToLower(getEnvOrDefault("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnvOrDefault("LOG_FORMAT", c.Log.Format))
	c.Log.Output = getEnvOrDefault("LOG_OUTPUT", c.Log.Output)
	return nil
}

// LoadState 读取持久化的客户端状态，文件不存在时返回零值。
func LoadState(path string) (ClientState, error) {
	var state ClientState
	if _, err := toml.DecodeFile(path, &state); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ClientState{}, nil
		}
		return ClientState{}, fmt.Errorf("failed to decode state file: %w", err)
	}
	return state, nil
}

// SaveState 以 0600 权限写入客户端状态。
func SaveState(path string, state ClientState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return nil
}
