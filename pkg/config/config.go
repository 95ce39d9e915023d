package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allowed_users can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config mirrors the plugin keys at the top level; platform, storage and
// runtime settings live in their own sections.
type Config struct {
	Token              string              `json:"token" yaml:"token" env:"CAIRELAY_TOKEN"`
	DefaultCharacterID string              `json:"default_character_id" yaml:"default_character_id" env:"CAIRELAY_DEFAULT_CHARACTER_ID"`
	AllowedUsers       FlexibleStringSlice `json:"allowed_users" yaml:"allowed_users" env:"CAIRELAY_ALLOWED_USERS"`
	Trigger            string              `json:"trigger" yaml:"trigger" env:"CAIRELAY_TRIGGER"`
	StripTriggerPrefix bool                `json:"strip_trigger_prefix" yaml:"strip_trigger_prefix" env:"CAIRELAY_STRIP_TRIGGER_PREFIX"`
	ReplyIsTrigger     bool                `json:"reply_is_trigger" yaml:"reply_is_trigger" env:"CAIRELAY_REPLY_IS_TRIGGER"`
	AlwaysReplyInDM    bool                `json:"always_reply_in_dm" yaml:"always_reply_in_dm" env:"CAIRELAY_ALWAYS_REPLY_IN_DM"`
	ReplyToMessage     bool                `json:"reply_to_message" yaml:"reply_to_message" env:"CAIRELAY_REPLY_TO_MESSAGE"`
	ShowPromptInReply  TriState            `json:"show_prompt_in_reply" yaml:"show_prompt_in_reply" env:"CAIRELAY_SHOW_PROMPT_IN_REPLY"`
	UseCharName        bool                `json:"use_char_name" yaml:"use_char_name" env:"CAIRELAY_USE_CHAR_NAME"`
	UseCharAvatar      bool                `json:"use_char_avatar" yaml:"use_char_avatar" env:"CAIRELAY_USE_CHAR_AVATAR"`
	GroupMode          TriState            `json:"group_mode" yaml:"group_mode" env:"CAIRELAY_GROUP_MODE"`
	GroupModeTemplate  string              `json:"group_mode_template" yaml:"group_mode_template" env:"CAIRELAY_GROUP_MODE_TEMPLATE"`
	ExportTXT          bool                `json:"export_txt" yaml:"export_txt" env:"CAIRELAY_EXPORT_TXT"`
	ExportJSON         bool                `json:"export_json" yaml:"export_json" env:"CAIRELAY_EXPORT_JSON"`
	ExportYAML         bool                `json:"export_yaml" yaml:"export_yaml" env:"CAIRELAY_EXPORT_YAML"`

	CharacterAI CharacterAIConfig `json:"characterai" yaml:"characterai"`
	Discord     DiscordConfig     `json:"discord" yaml:"discord"`
	Console     ConsoleConfig     `json:"console" yaml:"console"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Gateway     GatewayConfig     `json:"gateway" yaml:"gateway"`
	Log         LogConfig         `json:"log" yaml:"log"`
	Archive     ArchiveConfig     `json:"archive" yaml:"archive"`
}

type CharacterAIConfig struct {
	APIBase    string `json:"api_base" yaml:"api_base" env:"CAIRELAY_CHARACTERAI_API_BASE"`
	UserBase   string `json:"user_base" yaml:"user_base" env:"CAIRELAY_CHARACTERAI_USER_BASE"`
	WSURL      string `json:"ws_url" yaml:"ws_url" env:"CAIRELAY_CHARACTERAI_WS_URL"`
	AvatarBase string `json:"avatar_base" yaml:"avatar_base" env:"CAIRELAY_CHARACTERAI_AVATAR_BASE"`
}

type DiscordConfig struct {
	Token string `json:"token" yaml:"token" env:"CAIRELAY_DISCORD_TOKEN"`
}

type ConsoleConfig struct {
	ExportDir string `json:"export_dir" yaml:"export_dir" env:"CAIRELAY_CONSOLE_EXPORT_DIR"`
}

type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" env:"CAIRELAY_DATABASE_PATH"`
}

type GatewayConfig struct {
	Host string `json:"host" yaml:"host" env:"CAIRELAY_GATEWAY_HOST"`
	Port int    `json:"port" yaml:"port" env:"CAIRELAY_GATEWAY_PORT"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"CAIRELAY_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"CAIRELAY_LOG_FORMAT"`
}

type ArchiveConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" env:"CAIRELAY_ARCHIVE_ENABLED"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" env:"CAIRELAY_ARCHIVE_ENDPOINT"`
	AccessKey string `json:"access_key" yaml:"access_key" env:"CAIRELAY_ARCHIVE_ACCESS_KEY"`
	SecretKey string `json:"secret_key" yaml:"secret_key" env:"CAIRELAY_ARCHIVE_SECRET_KEY"`
	Bucket    string `json:"bucket" yaml:"bucket" env:"CAIRELAY_ARCHIVE_BUCKET"`
	Region    string `json:"region" yaml:"region" env:"CAIRELAY_ARCHIVE_REGION"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" env:"CAIRELAY_ARCHIVE_USE_SSL"`
}

func DefaultConfig() *Config {
	return &Config{
		Token:              "",
		DefaultCharacterID: "",
		AllowedUsers:       FlexibleStringSlice{},
		Trigger:            NamePlaceholder,
		StripTriggerPrefix: true,
		ReplyIsTrigger:     true,
		AlwaysReplyInDM:    true,
		ReplyToMessage:     true,
		ShowPromptInReply:  Auto,
		UseCharName:        true,
		UseCharAvatar:      true,
		GroupMode:          Off,
		GroupModeTemplate:  "{username}: {text}",
		ExportTXT:          true,
		ExportJSON:         false,
		ExportYAML:         false,
		CharacterAI: CharacterAIConfig{
			APIBase:    "https://neo.character.ai",
			UserBase:   "https://plus.character.ai",
			WSURL:      "wss://neo.character.ai/ws/",
			AvatarBase: "https://characterai.io/i/400/static/avatars/",
		},
		Console: ConsoleConfig{
			ExportDir: "~/.cairelay/exports",
		},
		Database: DatabaseConfig{
			Path: "~/.cairelay/state/rooms.db",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Archive: ArchiveConfig{
			Bucket: "cairelay-transcripts",
			UseSSL: true,
		},
	}
}

// NamePlaceholder in the trigger is replaced by the bot's own local name.
const NamePlaceholder = "{name}"

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if isYAML(path) {
			err = yaml.Unmarshal(data, cfg)
		} else {
			err = json.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config env: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate checks the settings every runtime mode needs. The platform token
// is only required when the Discord gateway is started.
func (c *Config) Validate(configPath string, requireDiscord bool) error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token is required in %s or CAIRELAY_TOKEN", configPath)
	}
	if requireDiscord && strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required in %s or CAIRELAY_DISCORD_TOKEN", configPath)
	}
	return nil
}

func (c *Config) DatabasePath() string {
	return ExpandHome(c.Database.Path)
}

func (c *Config) ExportDir() string {
	return ExpandHome(c.Console.ExportDir)
}

func ExpandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
