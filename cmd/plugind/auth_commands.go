package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/plugind/internal/auth"
	"github.com/loykin/plugind/pkg/client"
	"github.com/spf13/cobra"
)

func (c *command) loginCommand() *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the daemon and save the token",
		Long: `Exchange a username and password for a bearer token. The token is saved
to ~/.plugind/session.json and used by later commands against the same daemon.

Examples:
  plugind login --username=admin --password=secret
  plugind login --username=admin --api-url=https://host:8443/api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *client.Client) error {
				if flags.Username == "" {
					return errors.New("username is required")
				}
				password := flags.Password
				if password == "" {
					_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
					line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
					if err != nil && line == "" {
						return fmt.Errorf("read password: %w", err)
					}
					password = strings.TrimRight(line, "\r\n")
				}
				tok, err := cl.Login(ctx, flags.Username, password)
				if err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				if err := c.sessions.SaveSession(&Session{
					Token:     tok.Value,
					ExpiresAt: tok.ExpiresAt,
					Username:  flags.Username,
					ServerURL: cl.BaseURL(),
				}); err != nil {
					return fmt.Errorf("save session: %w", err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (expires %s)\n", flags.Username, tok.ExpiresAt.Format("2006-01-02 15:04:05"))
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "username")
	cmd.Flags().StringVar(&flags.Password, "password", "", "password (prompted when empty)")
	return cmd
}

func (c *command) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.sessions.ClearSession(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func hashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for server.auth.users password_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
