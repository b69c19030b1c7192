package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load reads the configuration. With an empty path the standard locations
// are searched; when no file exists the defaults are used. .env files in the
// working directory are loaded first without overriding the environment.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	cfg := Default()
	if path == "" {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Issues: []string{err.Error()}}
	}
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, &Error{Path: path, Issues: []string{err.Error()}}
	}
	if err := Parse(cfg, filepath.Ext(path), []byte(expanded)); err != nil {
		return nil, &Error{Path: path, Issues: []string{err.Error()}}
	}

	resolveRelativePaths(cfg, path)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Parse decodes data over cfg. ext selects the format: .yaml/.yml or .toml.
func Parse(cfg *Config, ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}
	return nil
}

// FindConfigFile returns the first existing file among the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"tars.yaml",
		"tars.yml",
		"tars.toml",
		"config.yaml",
		"config.toml",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(dir, "tars", "config.yaml"),
			filepath.Join(dir, "tars", "config.toml"),
		)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadEnvFiles loads .env and .env.local. godotenv.Load never overwrites
// variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnv substitutes environment references. An unset ${VAR:?msg} is an
// error.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := envVarPattern.FindStringSubmatch(m)
		name, mod, arg := sub[1], sub[2], sub[3]
		val, ok := os.LookupEnv(name)
		if ok && val != "" {
			return val
		}
		switch mod {
		case "-":
			return arg
		case "?":
			msg := arg
			if msg == "" {
				msg = "required"
			}
			missing = append(missing, name+": "+msg)
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// resolveRelativePaths makes file paths relative to the config file's
// directory and expands a leading ~.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	fix := func(p *string) {
		if *p == "" {
			return
		}
		if strings.HasPrefix(*p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				*p = filepath.Join(home, (*p)[2:])
			}
			return
		}
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	fix(&cfg.StateDir)
	fix(&cfg.Primary.SystemPromptFile)
	fix(&cfg.Primary.WorkDir)
	fix(&cfg.Overwatch.RubricFile)
	fix(&cfg.Overwatch.DBPath)
}

// applyEnvOverrides lets a few environment variables win over the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("TARS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TARS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("TARS_HTTP_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
}
