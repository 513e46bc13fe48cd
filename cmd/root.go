// Package cmd implements the tokenmeter command line.
package cmd

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TOKENMETER")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "tokenmeter",
		Short:         "Daily question quota and donation credits for the chat apps",
		Long:          "tokenmeter serves the metered chat API, listens for payment webhooks and manages token balances from the terminal.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			envFile := v.GetString("env_file")
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "path to the YAML config file (env TOKENMETER_CONFIG)")
	flags.Bool("verbose", false, "log at debug level (env TOKENMETER_VERBOSE)")
	flags.String("env-file", ".env", "optional dotenv file loaded before the config")
	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = v.BindPFlag("env_file", flags.Lookup("env-file"))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(v),
		newWebhookCmd(v),
		newAccountCmd(v),
		newPruneCmd(v),
	)

	return rootCmd
}
