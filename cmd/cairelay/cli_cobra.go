package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "cairelay",
		Short: "Relay chat rooms to Character.AI characters",
		Long: strings.TrimSpace(`cairelay binds chat rooms to Character.AI chats.

Members talk to the room's character by mentioning its trigger, replying to it,
or writing in a direct room. Use !cai new_chat and !cai sync_info in a room to
manage its chat.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "", "Config file path (default ~/.cairelay/config.json, or CAIRELAY_CONFIG)")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newConsoleCommand())
	root.AddCommand(newExportCommand())
	root.AddCommand(newSessionsCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Long:    "Create the default configuration for a new cairelay installation.",
		Example: "  cairelay onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord relay + health server",
		Long:    "Connect to Discord, relay triggered messages to Character.AI, and serve /health, /ready and /metrics.",
		Example: "  cairelay gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gatewayCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newConsoleCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run the relay against a local terminal room",
		Long:  "Run the same relay against a single local room. The room counts as direct, and exports are written to console.export_dir.",
		Example: strings.Join([]string{
			"  cairelay console",
			"  cairelay console --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return consoleCmd(debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func newExportCommand() *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export <room_key>",
		Short: "Export a room's chat transcript",
		Long:  "Fetch the history of the chat bound to a room and write it in the enabled export formats.",
		Example: strings.Join([]string{
			"  cairelay export discord:123456789012345678",
			"  cairelay export console:local --out ./exports",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportCmd(args[0], outDir)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default console.export_dir)")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Short:   "List rooms and their bound chats",
		Example: "  cairelay sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionsCmd()
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  cairelay status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusCmd()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  cairelay version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
