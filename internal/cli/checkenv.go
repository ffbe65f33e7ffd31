package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/crypto"
)

type checkEnvResult struct {
	OK         bool     `json:"ok"`
	Missing    []string `json:"missing"`
	ConfigFile string   `json:"configFile,omitempty"`
	Instances  int      `json:"instances"`
}

func newCheckEnvCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "check-env",
		Short: "Report missing environment variables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			res := checkEnv(cfg)

			out := cmd.OutOrStdout()
			if jsonFlag {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				if res.ConfigFile != "" {
					fmt.Fprintf(out, "Config file: %s\n", res.ConfigFile)
				}
				fmt.Fprintf(out, "Instances: %d\n", res.Instances)
				if res.OK {
					fmt.Fprintln(out, "All required variables are set.")
				} else {
					fmt.Fprintln(out, "Missing required variables:")
					for _, name := range res.Missing {
						fmt.Fprintf(out, "  - %s\n", name)
					}
				}
			}

			if strict && !res.OK {
				return errors.New("required configuration is missing")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when a required variable is missing")
	return cmd
}

func checkEnv(cfg *config.Config) checkEnvResult {
	missing := cfg.MissingRequired()
	if missing == nil {
		missing = []string{}
	}
	return checkEnvResult{
		OK:         len(missing) == 0,
		Missing:    missing,
		ConfigFile: cfg.ConfigFile,
		Instances:  len(cfg.Instances),
	}
}

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a MAILSYNC_ENCRYPTION_KEY value",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
