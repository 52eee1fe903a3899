// Package config provides configuration management for the arena bridge server.
// It handles loading and parsing the comments-tolerant config.jsonc file and
// provides structured access to application settings including the server port,
// session identifiers, transform switches, and idle-restart behavior.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// DefaultPort is the port the API server listens on when the config does not
// specify one.
const DefaultPort = 4102

// DefaultStreamTimeoutSeconds bounds how long the stream processor waits for
// the next frame from the browser before failing the request.
const DefaultStreamTimeoutSeconds = 360

// Config represents the application's configuration, loaded from config.jsonc.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `json:"port"`

	// Debug enables or disables debug-level logging.
	Debug bool `json:"debug"`

	// FileLogging switches the log output to a rotating file under logs/.
	FileLogging bool `json:"file_logging"`

	// APIKey is the optional global key. When set, a caller presenting it
	// bypasses the managed key registry with full model access.
	APIKey string `json:"api_key"`

	// APIKeysFile is the path of the managed API key registry.
	APIKeysFile string `json:"api_keys_file"`

	// SessionID and MessageID are the global fallback credential pair used
	// when a model has no entry in the endpoint pool.
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`

	// Mode is the capture mode the ID updater last ran in: "direct_chat" or
	// "battle". BattleTarget selects assistant "A" or "B" in battle mode.
	Mode         string `json:"id_updater_last_mode"`
	BattleTarget string `json:"id_updater_battle_target"`

	// TavernMode merges all system messages into a single leading one.
	TavernMode bool `json:"tavern_mode_enabled"`

	// BypassMode appends a trailing single-space user turn.
	BypassMode bool `json:"bypass_enabled"`

	// AssistantPrefill controls whether a trailing assistant message is
	// extracted and replayed as the beginning of the model's answer.
	AssistantPrefill bool `json:"assistant_prefill_enabled"`

	// UseDefaultIDs falls back to SessionID/MessageID when the requested
	// model has no pool entry.
	UseDefaultIDs bool `json:"use_default_ids_if_mapping_not_found"`

	// StreamTimeoutSeconds is how long the stream processor waits for the
	// next frame from the browser.
	StreamTimeoutSeconds int `json:"stream_response_timeout_seconds"`

	// EnableIdleRestart turns the idle supervisor on. A timeout of -1
	// disables the check even when the supervisor is running.
	EnableIdleRestart  bool `json:"enable_idle_restart"`
	IdleTimeoutSeconds int  `json:"idle_restart_timeout_seconds"`

	// AdminEnabled gates the /admin API group.
	AdminEnabled bool `json:"admin_enabled"`

	// AdminPassword is the plaintext admin password. AdminPasswordHash, when
	// set, takes precedence and is compared with bcrypt.
	AdminPassword     string `json:"admin_password"`
	AdminPasswordHash string `json:"admin_password_hash"`

	// AutoOpenBrowser opens ArenaURL in the default browser on startup so
	// the userscript can connect.
	AutoOpenBrowser bool   `json:"auto_open_browser"`
	ArenaURL        string `json:"arena_url"`
}

// LoadConfig reads a JSONC configuration file from the given path, parses it
// with comment tolerance, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		APIKeysFile:          "api_keys.json",
		Mode:                 "direct_chat",
		BattleTarget:         "A",
		AssistantPrefill:     true,
		UseDefaultIDs:        true,
		AdminEnabled:         true,
		StreamTimeoutSeconds: DefaultStreamTimeoutSeconds,
		ArenaURL:             "https://lmarena.ai/",
	}
	if err = json5.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.StreamTimeoutSeconds <= 0 {
		config.StreamTimeoutSeconds = DefaultStreamTimeoutSeconds
	}

	return &config, nil
}

var sessionKeyPatterns = map[string]*regexp.Regexp{
	"session_id": regexp.MustCompile(`("session_id"\s*:\s*")[^"]*(")`),
	"message_id": regexp.MustCompile(`("message_id"\s*:\s*")[^"]*(")`),
}

var closingBracePattern = regexp.MustCompile(`}\s*$`)

// SaveSessionIDs rewrites only the session_id/message_id values inside the
// config file, leaving comments and every other line untouched. A key that
// does not exist yet is appended before the closing brace.
func SaveSessionIDs(configFile, sessionID, messageID string) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var existing map[string]any
	hasMembers := json5.Unmarshal(data, &existing) == nil && len(existing) > 0

	content := string(data)
	for _, entry := range []struct{ key, value string }{
		{"session_id", sessionID},
		{"message_id", messageID},
	} {
		if pattern := sessionKeyPatterns[entry.key]; pattern.MatchString(content) {
			content = pattern.ReplaceAllString(content, "${1}"+entry.value+"${2}")
			continue
		}
		encoded, _ := json.Marshal(entry.value)
		separator := ",\n"
		if !hasMembers {
			separator = ""
		}
		content = closingBracePattern.ReplaceAllString(content, fmt.Sprintf("%s  %q: %s\n}", separator, entry.key, encoded))
		hasMembers = true
	}

	if err = os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
