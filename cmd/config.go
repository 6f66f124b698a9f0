package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/wlanrx/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load the config file, apply defaults and WLANRX_* environment overrides,
and print the result as YAML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(cmd.OutOrStdout(), configFile)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file without starting the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigValidate(cmd.OutOrStdout(), configFile)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfig(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigValidate(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: %d ring(s), ring size %d, strict_pn=%v, source=%v, notify=%v\n",
		cfg.RX.Workers, cfg.RX.RingSize, cfg.RX.StrictPN, cfg.Source.Enabled, cfg.Notify.Kafka.Enabled)
	return nil
}
