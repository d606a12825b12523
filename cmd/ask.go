package cmd

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"llmstream/internal/config"
	"llmstream/internal/stream"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		function string
		params   map[string]string
		showMeta bool
	)

	cmd := &cobra.Command{
		Use:   "ask PROMPT...",
		Short: "Stream one answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			log := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.AppEnv)
			defer func() { _ = log.Sync() }()

			mgr, err := stream.NewManager(cfg.Stream, stream.WithLogger(log))
			if err != nil {
				return err
			}
			mgr.Start()
			defer func() { _ = mgr.Shutdown(cmd.Context()) }()

			parameters := map[string]any{"prompt": strings.Join(args, " ")}
			for k, v := range params {
				parameters[k] = v
			}

			out := cmd.OutOrStdout()
			result, err := mgr.GenerateStreamingResponse(cmd.Context(), stream.Request{
				FunctionName: function,
				Parameters:   parameters,
			}, stream.ChunkSinkFunc(func(c stream.Chunk) {
				if c.Metadata.Restart {
					// Printed text cannot be taken back; end the void line
					// and say so on stderr.
					fmt.Fprintln(out)
					fmt.Fprintf(cmd.ErrOrStderr(), "retrying (attempt %d): the partial answer above is discarded\n", c.Metadata.Attempt)
					return
				}
				fmt.Fprint(out, c.Text)
			}))
			if err != nil {
				return err
			}
			fmt.Fprintln(out)

			if showMeta {
				encoded, err := json.MarshalIndent(result.Metadata, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(encoded))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&function, "function", "chat", "server-side function to call")
	cmd.Flags().StringToStringVar(&params, "param", nil, "extra parameters as key=value")
	cmd.Flags().BoolVar(&showMeta, "metadata", false, "print response metadata as JSON")
	return cmd
}
