// Package config holds the tars configuration: one explicit Config value is
// loaded at startup and passed to every component.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level configuration.
type Config struct {
	// StateDir holds the instance registry, the overwatch database and the
	// generated MCP config files.
	StateDir string `yaml:"state_dir" toml:"state_dir"`

	Discord    DiscordConfig    `yaml:"discord" toml:"discord"`
	Primary    PrimaryConfig    `yaml:"primary" toml:"primary"`
	Overwatch  OverwatchConfig  `yaml:"overwatch" toml:"overwatch"`
	Supervisor SupervisorConfig `yaml:"supervisor" toml:"supervisor"`
	HTTP       HTTPConfig       `yaml:"http" toml:"http"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// DiscordConfig configures the chat platform.
type DiscordConfig struct {
	Token   string `yaml:"token" toml:"token"`
	GuildID string `yaml:"guild_id" toml:"guild_id"`

	// AutoCreateChannels creates a category with one text channel per kind
	// when an instance starts and deletes them when it stops.
	AutoCreateChannels bool   `yaml:"auto_create_channels" toml:"auto_create_channels"`
	CategoryName       string `yaml:"category_name" toml:"category_name"`

	// Fixed channel ids, used when AutoCreateChannels is off.
	PrimaryChannel   string `yaml:"primary_channel" toml:"primary_channel"`
	OverwatchChannel string `yaml:"overwatch_channel" toml:"overwatch_channel"`

	IgnoreBots bool `yaml:"ignore_bots" toml:"ignore_bots"`
}

// PrimaryConfig describes the primary LLM child.
type PrimaryConfig struct {
	Command          string   `yaml:"command" toml:"command"`
	Args             []string `yaml:"args" toml:"args"`
	Model            string   `yaml:"model" toml:"model"`
	SystemPromptFile string   `yaml:"system_prompt_file" toml:"system_prompt_file"`
	WorkDir          string   `yaml:"work_dir" toml:"work_dir"`

	// InitialPrompt is written as the first user turn every time the child
	// is spawned; it starts the wait_for_message loop.
	InitialPrompt string `yaml:"initial_prompt" toml:"initial_prompt"`
}

// OverwatchConfig configures the overwatcher child and its evaluations.
type OverwatchConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"`

	// LLM invocation: Command Args... <prompt on stdin>.
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Model   string   `yaml:"model" toml:"model"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`

	RubricFile string `yaml:"rubric_file" toml:"rubric_file"`
	DBPath     string `yaml:"db_path" toml:"db_path"`

	// Threshold: verdicts scoring below it emit a directive.
	Threshold         int      `yaml:"threshold" toml:"threshold"`
	SlingshotCooldown Duration `yaml:"slingshot_cooldown" toml:"slingshot_cooldown"`
	Window            int      `yaml:"window" toml:"window"`
	History           int      `yaml:"history" toml:"history"`
}

// SupervisorConfig holds child lifecycle timings.
type SupervisorConfig struct {
	RestartDelay    Duration `yaml:"restart_delay" toml:"restart_delay"`
	GracePeriod     Duration `yaml:"grace_period" toml:"grace_period"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// HTTPConfig configures the loopback listener. It always serves the relay
// tools to the primary child at /mcp; Enabled adds the control routes
// (/inject, /status, /metrics).
type HTTPConfig struct {
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
	Addr        string   `yaml:"addr" toml:"addr"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`

	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every route but /health.
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	// Format is "text" or "json"; empty picks text on a terminal.
	Format  string `yaml:"format" toml:"format"`
	Journal bool   `yaml:"journal" toml:"journal"`
}

// DefaultInitialPrompt opens every primary session.
const DefaultInitialPrompt = "You are connected to the chat relay. Call wait_for_message on the " +
	"primary channel, answer each message with send_reply, then wait again. Keep this loop going."

// Duration is a time.Duration read from strings like "5s" or "1h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		StateDir: defaultStateDir(),
		Discord: DiscordConfig{
			CategoryName: "tars",
			IgnoreBots:   true,
		},
		Primary: PrimaryConfig{
			Command: "claude",
			Args: []string{
				"-p",
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--verbose",
				"--allowedTools", "mcp__tars__*",
			},
			InitialPrompt: DefaultInitialPrompt,
		},
		Overwatch: OverwatchConfig{
			Enabled:           true,
			Schedule:          "@every 5m",
			Command:           "claude",
			Args:              []string{"-p", "--output-format", "text"},
			Timeout:           Duration(2 * time.Minute),
			Threshold:         7,
			SlingshotCooldown: Duration(time.Hour),
			Window:            40,
			History:           5,
		},
		Supervisor: SupervisorConfig{
			RestartDelay:    Duration(5 * time.Second),
			GracePeriod:     Duration(10 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "tars")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "tars")
	}
	return ".tars"
}

// RegistryDir is where instance slot records live.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.StateDir, "instances")
}

// OverwatchDB is the verdict database path.
func (c *Config) OverwatchDB() string {
	if c.Overwatch.DBPath != "" {
		return c.Overwatch.DBPath
	}
	return filepath.Join(c.StateDir, "overwatch.db")
}

// HTTPAddr is the control endpoint address of an instance: the configured
// port plus slot-1, so instances on one host do not collide. Port 0 is left
// alone.
func (c *Config) HTTPAddr(slot int) string {
	host, port, err := net.SplitHostPort(c.HTTP.Addr)
	if err != nil || slot <= 1 {
		return c.HTTP.Addr
	}
	n, err := strconv.Atoi(port)
	if err != nil || n == 0 {
		return c.HTTP.Addr
	}
	return net.JoinHostPort(host, strconv.Itoa(n+slot-1))
}

// Validate checks everything the supervisor needs before it touches the
// registry or spawns anything.
func (c *Config) Validate() error {
	e := &Error{}
	if c.StateDir == "" {
		e.add("state_dir", "must be set")
	}
	if c.Discord.Token == "" {
		e.add("discord.token", "not set (use TARS_DISCORD_TOKEN, `tars config set-token` or the config file)")
	}
	if c.Discord.AutoCreateChannels {
		if c.Discord.GuildID == "" {
			e.add("discord.guild_id", "required when auto_create_channels is on")
		}
	} else if c.Discord.PrimaryChannel == "" {
		e.add("discord.primary_channel", "required when auto_create_channels is off")
	}
	if c.Primary.Command == "" {
		e.add("primary.command", "must be set")
	}
	if c.Overwatch.Enabled {
		if c.Overwatch.Command == "" {
			e.add("overwatch.command", "must be set")
		}
		if c.Overwatch.Schedule == "" {
			e.add("overwatch.schedule", "must be set")
		}
		if c.Overwatch.Threshold < 0 || c.Overwatch.Threshold > 10 {
			e.add("overwatch.threshold", "must be between 0 and 10")
		}
	}
	if c.Supervisor.RestartDelay < 0 || c.Supervisor.GracePeriod < 0 || c.Supervisor.ShutdownTimeout <= 0 {
		e.add("supervisor", "durations must be positive")
	}
	if err := CheckLoopback(c.HTTP.Addr); err != nil {
		e.add("http.addr", err.Error())
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		e.add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	return e.orNil()
}

// CheckLoopback rejects listen addresses that are not bound to a loopback
// interface.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}
