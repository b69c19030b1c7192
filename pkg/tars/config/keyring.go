package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "tars"
	keyringToken   = "discord_token"
)

// StoreToken saves the Discord token in the OS keyring.
func StoreToken(token string) error {
	if err := keyring.Set(keyringService, keyringToken, token); err != nil {
		return fmt.Errorf("storing token in keyring: %w", err)
	}
	return nil
}

// KeyringToken returns the token stored in the OS keyring, or "".
func KeyringToken() string {
	val, err := keyring.Get(keyringService, keyringToken)
	if err != nil {
		return ""
	}
	return val
}

// DeleteToken removes the token from the OS keyring. A missing entry is not
// an error.
func DeleteToken() error {
	err := keyring.Delete(keyringService, keyringToken)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveToken fills cfg.Discord.Token: environment first, then the OS
// keyring, then whatever the config file held.
func ResolveToken(cfg *Config, logger *slog.Logger) {
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Discord.Token = v
		logger.Debug("discord token loaded from environment")
		return
	}
	if v := KeyringToken(); v != "" {
		cfg.Discord.Token = v
		logger.Debug("discord token loaded from OS keyring")
		return
	}
	if cfg.Discord.Token != "" {
		logger.Debug("discord token loaded from config file")
	}
}

// ReadSecret prompts on the terminal and reads a line without echo. When
// stdin is not a terminal the line is read as-is.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
