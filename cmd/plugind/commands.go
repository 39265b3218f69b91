package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/loykin/plugind/internal/config"
	"github.com/loykin/plugind/pkg/client"
	"github.com/spf13/cobra"
)

type command struct {
	flags    *GlobalFlags
	sessions *SessionManager
}

// apiURL prefers --api-url, then the listen address of --config.
func (c *command) apiURL() (string, error) {
	if c.flags.APIUrl != "" {
		return c.flags.APIUrl, nil
	}
	if c.flags.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	s := cfg.File.Server
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	host := s.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return scheme + "://" + host + "/" + strings.Trim(s.BasePath, "/"), nil
}

func (c *command) client() (*client.Client, error) {
	u, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cfg := client.Config{BaseURL: u, Timeout: c.flags.APITimeout, Insecure: c.flags.Insecure, Token: c.flags.Token}
	if cfg.Token == "" && c.sessions != nil {
		if s, err := c.sessions.LoadSession(); err == nil && s != nil && s.ServerURL == strings.TrimRight(u, "/") {
			cfg.Token = s.Token
		}
	}
	if c.flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: c.flags.CACert}
	}
	return client.New(cfg)
}

// run builds a client and hands it to fn.
func (c *command) run(fn func(ctx context.Context, cl *client.Client) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cl, err := c.client()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), cl)
	}
}

func (c *command) callsignCommand(method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method + " <callsign>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				if err := cl.Call(ctx, method, map[string]string{"callsign": args[0]}, nil); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s: accepted\n", method, args[0])
				return nil
			})(cmd, args)
		},
	}
}

func (c *command) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [callsign]",
		Short: "Show plugin states",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				cs := ""
				if len(args) > 0 {
					cs = args[0]
				}
				recs, err := cl.Status(ctx, cs)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), recs)
				return nil
			})(cmd, args)
		},
	}
}

func (c *command) configureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure <callsign> <configuration>",
		Short: "Replace a plugin's configuration",
		Long: `Replace a plugin's configuration. Valid JSON is stored verbatim, anything else as text.
The plugin sees the new configuration on its next activation.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				return cl.Configure(ctx, args[0], args[1])
			})(cmd, args)
		},
	}
}

func (c *command) configurationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configuration <callsign>",
		Short: "Print a plugin's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				blob, err := cl.Configuration(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), blob)
				return nil
			})(cmd, args)
		},
	}
}

func (c *command) downloadCommand() *cobra.Command {
	flags := &DownloadFlags{}
	cmd := &cobra.Command{
		Use:   "download <source-url>",
		Short: "Start a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				key, err := cl.Download(ctx, args[0], flags.Destination, flags.Hash)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "download %d started\n", key)
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&flags.Destination, "dest", "", "destination path (required)")
	cmd.Flags().StringVar(&flags.Hash, "hash", "", "expected sha256 of the content")
	if err := cmd.MarkFlagRequired("dest"); err != nil {
		panic(err)
	}
	return cmd
}

func (c *command) downloadsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "downloads",
		Short: "List outstanding and resumable downloads",
		RunE: c.runPrint(func(ctx context.Context, cl *client.Client) (any, error) {
			active, err := cl.Downloads(ctx)
			if err != nil {
				return nil, err
			}
			resumes, err := cl.Resumes(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"active": active, "resumes": resumes}, nil
		}),
	}
}

func (c *command) subsystemsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subsystems",
		Short: "Show or change satisfied subsystems",
		RunE: c.runPrint(func(ctx context.Context, cl *client.Client) (any, error) {
			return cl.Subsystems(ctx)
		}),
	}
	toggle := func(use string, satisfied bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <subsystem>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a subsystem",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(func(ctx context.Context, cl *client.Client) error {
					changed, err := cl.SetSubsystem(ctx, args[0], satisfied)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s satisfied=%t changed=%t\n", args[0], satisfied, changed)
					return nil
				})(cmd, args)
			},
		}
	}
	cmd.AddCommand(toggle("set", true), toggle("clear", false))
	return cmd
}

// simpleCommand prints the raw result of a parameterless method.
func (c *command) simpleCommand(method, short string) *cobra.Command {
	return &cobra.Command{
		Use:   method,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: c.runPrint(func(ctx context.Context, cl *client.Client) (any, error) {
			var out map[string]any
			err := cl.Call(ctx, method, nil, &out)
			return out, err
		}),
	}
}

func (c *command) envCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env <name>",
		Short: "Print a daemon environment variable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				v, err := cl.Environment(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})(cmd, args)
		},
	}
}

func (c *command) linksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "links",
		Short: "List connected event channels",
		Args:  cobra.NoArgs,
		RunE: c.runPrint(func(ctx context.Context, cl *client.Client) (any, error) {
			return cl.Links(ctx)
		}),
	}
}

func (c *command) notifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "notify <callsign> <data>",
		Short: "Broadcast a message to event listeners on behalf of a plugin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				return cl.Notify(ctx, args[0], args[1])
			})(cmd, args)
		},
	}
}

func (c *command) harakiriCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "harakiri",
		Short: "Ask the daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				if err := cl.Harakiri(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
				return nil
			})(cmd, args)
		},
	}
}

func (c *command) watchCommand() *cobra.Command {
	flags := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				err := cl.Watch(ctx, flags.Events, func(e client.Event) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", e.Name, e.Params)
				})
				if ctx.Err() != nil {
					return nil
				}
				return err
			})(cmd, args)
		},
	}
	cmd.Flags().StringSliceVar(&flags.Events, "events", nil, "event names to receive (default all)")
	return cmd
}

func (c *command) runPrint(fn func(ctx context.Context, cl *client.Client) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return c.run(func(ctx context.Context, cl *client.Client) error {
			v, err := fn(ctx, cl)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), v)
			return nil
		})(cmd, args)
	}
}
