package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"llmstream/internal/config"
)

// app carries state shared by every subcommand.
type app struct {
	v        *viper.Viper
	envFiles []string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	rootCmd := &cobra.Command{
		Use:           "llmstream",
		Short:         "Streaming connection and token-delivery manager for LLM proxies",
		Long:          "llmstream relays token-streamed LLM responses from an SSE proxy endpoint, batching tokens, pooling connections and retrying transient failures.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadDotEnv(a.envFiles...)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&a.envFiles, "env-file", nil, ".env files to load (default ./.env)")
	flags.String("endpoint", "", "URL of the SSE proxy function")
	flags.String("api-key", "", "bearer token sent to the endpoint")
	flags.String("log-level", "", "debug, info, warn or error")
	a.bind(flags, map[string]string{
		config.KeyEndpoint: "endpoint",
		config.KeyAPIKey:   "api-key",
		config.KeyLogLevel: "log-level",
	})

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newAskCmd(a),
	)

	return rootCmd
}

// bind maps configuration keys to flags. A flag only wins when it was set.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}
}
