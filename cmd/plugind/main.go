package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "plugind",
		Short: "Plugin host daemon and control client",
		Long: `plugind hosts plugins, gates their activation on platform subsystems,
coordinates downloads and exposes everything over JSON-RPC and REST.

Examples:
  plugind serve --config=plugind.toml          # Start daemon
  plugind status                               # All plugins
  plugind activate WebServer
  plugind subsystems set network
  plugind watch --events=statechange`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS daemon")
	pf.StringVar(&flags.Token, "token", "", "bearer token (default: saved login session)")

	c := &command{flags: flags, sessions: NewSessionManager()}
	root.AddCommand(
		createServeCommand(flags),
		c.callsignCommand("activate", "Activate a plugin"),
		c.callsignCommand("deactivate", "Deactivate a plugin"),
		c.callsignCommand("delete", "Delete a deactivated plugin's persistent data"),
		c.statusCommand(),
		c.configureCommand(),
		c.configurationCommand(),
		c.downloadCommand(),
		c.downloadsCommand(),
		c.subsystemsCommand(),
		c.simpleCommand("storeconfig", "Persist every plugin configuration"),
		c.simpleCommand("processinfo", "Show daemon process information"),
		c.envCommand(),
		c.linksCommand(),
		c.notifyCommand(),
		c.harakiriCommand(),
		c.watchCommand(),
		c.loginCommand(),
		c.logoutCommand(),
		hashPasswordCommand(),
	)
	return root
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [plugind.toml]",
		Short: "Start the plugind daemon",
		Long: `Start the daemon. Plugins, subsystems and the API listener come from the config file.

Examples:
  plugind serve plugind.toml
  plugind serve --config=plugind.toml --daemonize --pidfile=/run/plugind.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = global.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), *flags, nil)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}
