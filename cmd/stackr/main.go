package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	cmd := &command{flags: globalFlags, out: os.Stdout}

	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(cmd),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createRestartCommand(cmd),
		createReloadCommand(cmd),
		createHealthCommand(cmd),
		createPortsCommand(cmd),
		createFreePortCommand(cmd),
		createKillPortCommand(cmd),
		createSitesCommand(cmd),
		createScanCommand(cmd),
		createAddSiteCommand(cmd),
		createSwitchVersionCommand(cmd),
		createLogsCommand(cmd),
		createHistoryCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackr",
		Short: "Local Apache, PHP and MariaDB stack manager",
		Long: `Stackr supervises a local web development stack: Apache httpd with PHP,
and MariaDB. It generates their configuration, provisions a virtual host
per project folder and exposes a small control API.

Examples:
  stackr serve                      # Initialize the stack and run the API
  stackr start                      # Start every installed service
  stackr status
  stackr switch-version php 8.3.11`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.Base, "base", "", "stack root directory (default $"+BaseEnv+" or the working directory)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default from [server] in the settings file)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 90*time.Second, "request timeout")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Initialize the stack and serve the control API",
		Long: `Create the directory layout, regenerate configuration, adopt servers
that are already running and serve the control API until SIGINT or SIGTERM.
On shutdown the database is stopped before the web server.

Examples:
  stackr serve
  stackr serve --base=/opt/stackr --listen=127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), globalFlags, serveFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "API listen address (overrides [server] listen)")
	cmd.Flags().BoolVar(&serveFlags.NonBlocking, "non-blocking", false, "return after startup instead of waiting for a signal")
	_ = cmd.Flags().MarkHidden("non-blocking")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [apache|mariadb|all]",
		Short: "Start one service or every installed service",
		Long: `Start a service. Without an argument, or with "all", every installed
service is started; services without an installed version are skipped.

Examples:
  stackr start
  stackr start mariadb`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), firstArg(args))
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [apache|mariadb|all]",
		Short: "Stop one service or every service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), firstArg(args))
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <apache|mariadb>",
		Short: "Restart a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), args[0])
		},
	}
}

func createReloadCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "reload <apache|mariadb>",
		Short: "Regenerate configuration and reload a running service",
		Long: `Regenerate the service configuration and apply it. Apache reloads
gracefully; MariaDB is restarted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reload(cmd.Context(), args[0])
		},
	}
}

func createHealthCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the health checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context())
		},
	}
}

func createPortsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ports [port]",
		Short: "List listening ports, or show who holds one port",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ports(cmd.Context(), firstArg(args))
		},
	}
}

func createFreePortCommand(c *command) *cobra.Command {
	f := &FreePortFlags{}
	cmd := &cobra.Command{
		Use:   "free-port",
		Short: "Print the first free port in a range",
		Long: `Print the first port in [start, max] with no listener.

Examples:
  stackr free-port --start=8080
  stackr free-port --start=3306 --max=3320`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flag("max").Changed {
				f.Max = f.Start + 100
			}
			return c.FreePort(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.Start, "start", 8080, "first port to try")
	cmd.Flags().IntVar(&f.Max, "max", 0, "last port to try (default start+100)")
	return cmd
}

func createKillPortCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-port <port>",
		Short: "Terminate the process listening on a port",
		Long: `Terminate the process tree listening on a port. OS-critical processes
are never killed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.KillPort(cmd.Context(), args[0])
		},
	}
}

func createSitesCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List provisioned virtual hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sites(cmd.Context())
		},
	}
}

func createScanCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rescan the web root and reconcile virtual hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scan(cmd.Context())
		},
	}
}

func createAddSiteCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "add-site <hostname>",
		Short: "Create a project folder and virtual host",
		Long: `Create the project folder for a hostname and provision its virtual host.

Examples:
  stackr add-site shop.test`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.AddSite(cmd.Context(), args[0])
		},
	}
}

func createSwitchVersionCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "switch-version <apache|php|mariadb> <version>",
		Short: "Activate an installed runtime version",
		Long: `Persist the active version of a runtime, regenerate the affected
configuration and restart the dependent server when it is running.

Examples:
  stackr switch-version php 8.3.11
  stackr switch-version mariadb 11.4.2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SwitchVersion(cmd.Context(), args[0], args[1])
		},
	}
}

func createLogsCommand(c *command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <apache-error|apache-access|mariadb-error|stackr>",
		Short: "Print recent log lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Source = args[0]
			return c.Logs(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 100, "number of lines")
	return cmd
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded service state transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Service, "service", "", "only this service")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of events")
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
