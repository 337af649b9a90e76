package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/config"
)

// modeAnnotation names the config mode a command is validated against.
const modeAnnotation = "config-mode"

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "origin-engine",
	Short: "Preferential origin determination and compliance validation",
	Long:  "Determines whether products qualify for preferential origin under trade agreements, delegates to the external evaluation service, and serves the internal and partner APIs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if mode := cmd.Annotations[modeAnnotation]; mode != "" {
			if err := cfg.Validate(mode); err != nil {
				return err
			}
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func withMode(mode string) map[string]string {
	return map[string]string{modeAnnotation: mode}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
