// Command chatrelay runs the chat relay server and its offline payload importer.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	cmd := &cobra.Command{
		Use:   "chatrelay",
		Short: "Real-time chat relay with webhook payload reconciliation",
		Example: `  chatrelay serve
  chatrelay serve --watch
  chatrelay import ./payloads`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		RunE:          serve.RunE,
	}
	cmd.Flags().AddFlagSet(serve.Flags())

	cmd.AddCommand(
		serve,
		newImportCommand(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
