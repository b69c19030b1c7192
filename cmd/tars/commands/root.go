// Package commands implementa os comandos CLI do tars usando cobra.
package commands

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jholhewres/tars/pkg/tars/config"
	"github.com/jholhewres/tars/pkg/tars/logging"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tars",
		Short: "tars - supervisor for a role-played LLM companion",
		Long: `tars runs an LLM agent in character: it supervises the primary
child, relays its chat traffic through Discord and lets an overwatcher
score it and steer it back on track.

Examples:
  tars serve
  tars status
  tars inject "the hangar doors are open"
  tars slots --watch`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Registra subcomandos.
	rootCmd.AddCommand(
		newServeCmd(version),
		newGatewayCmd(version),
		newOverwatchCmd(),
		newStatusCmd(),
		newInjectCmd(),
		newSlotsCmd(),
		newConfigCmd(),
	)

	// Flags globais.
	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")

	return rootCmd
}

// loadConfig resolve o arquivo de configuração: flag, depois TARS_CONFIG,
// depois os locais padrão. Retorna o caminho absoluto usado ("" sem arquivo).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	if path == "" {
		path = config.FindConfigFile()
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := logging.New(logging.Options{Config: cfg.Logging, Verbose: verbose, Out: out})
	slog.SetDefault(logger)
	return logger
}
