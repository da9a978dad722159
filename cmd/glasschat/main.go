// Package main provides the CLI entry point for the glasschat protocol
// demonstrator: the chat server, the interactive client, the splice
// proxy, and directory maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/glasschat/glasschat/internal/client"
	"github.com/glasschat/glasschat/internal/config"
	"github.com/glasschat/glasschat/internal/directory"
	"github.com/glasschat/glasschat/internal/logging"
	"github.com/glasschat/glasschat/internal/metrics"
	"github.com/glasschat/glasschat/internal/mitm"
	"github.com/glasschat/glasschat/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "glasschat",
		Short: "glasschat - didactic encrypted chat with a working MITM",
		Long: `glasschat is a deliberately weak authenticated chat protocol:
challenge-response password proof, Diffie-Hellman key agreement, and an
RC4-derived keystream, with no transcript authentication.

It ships the server, the client, and the man-in-the-middle proxy that
exploits the gap, so the attack can be demonstrated end to end.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "run", Title: "Running:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	for _, cmd := range []*cobra.Command{runCmd(), clientCmd(), mitmCmd()} {
		cmd.GroupID = "run"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{usersCmd(), hashCmd()} {
		cmd.GroupID = "admin"
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var listen string

	cmd := &cobra.Command{
		Use:   "run [host:port]",
		Short: "Run the chat server",
		Long:  "Generate group parameters, bind the listener, and serve chat sessions.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Server.Listen = args[0]
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			dir, err := directory.OpenSQLite(cfg.Server.Database)
			if err != nil {
				return err
			}
			defer dir.Close()

			srv, err := server.New(cfg.Server, dir, metrics.Default(), logger)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}
			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}
			if cfg.Metrics.Enabled {
				if err := srv.ServeMetrics(cfg.Metrics.Listen); err != nil {
					return err
				}
			}

			fmt.Printf("Serving on %s\n", srv.Addr())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")

	return cmd
}

func clientCmd() *cobra.Command {
	var configPath string
	var transportName string
	var username string
	var password string
	var send string

	cmd := &cobra.Command{
		Use:   "client [server-host:port]",
		Short: "Connect to a chat server",
		Long: `Connect interactively, or with --send post one message and print the
resulting message list.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Client.Server = args[0]
			}
			if transportName != "" {
				cfg.Client.Transport = transportName
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			c := client.New(cfg.Client, logger)

			if send == "" {
				// The interactive loop reports its own failures.
				if err := c.RunInteractive(cmd.Context()); err != nil {
					os.Exit(1)
				}
				return nil
			}

			if password == "" {
				fmt.Fprint(os.Stderr, "password: ")
				raw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return err
				}
				password = string(raw)
			}

			sess, err := c.Login(cmd.Context(), username, password)
			if err != nil {
				return fmt.Errorf("%s", client.FailureMessage(err))
			}
			defer sess.Close()

			if err := sess.Send(send); err != nil {
				return err
			}
			msgs, err := sess.Poll()
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Printf("%s: %s\n", m.Author, m.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&transportName, "transport", "", "Transport: tcp or ws")
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username (with --send)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (with --send; prompted if omitted)")
	cmd.Flags().StringVar(&send, "send", "", "Post one message and exit")

	return cmd
}

func mitmCmd() *cobra.Command {
	var configPath string
	var listen string
	var upstream string

	cmd := &cobra.Command{
		Use:   "mitm <upstream-host:port>",
		Short: "Run the splice proxy",
		Long: `Accept clients in the server's place, splice each session onto the
real server with independent key exchanges, and log the plaintext.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.MITM.Upstream = args[0]
			}
			if upstream != "" {
				cfg.MITM.Upstream = upstream
			}
			if listen != "" {
				cfg.MITM.Listen = listen
			}
			if cfg.MITM.Upstream == "" {
				return fmt.Errorf("upstream address required")
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			proxy := mitm.New(cfg.MITM, logger)
			if err := proxy.Start(); err != nil {
				return fmt.Errorf("failed to start proxy: %w", err)
			}

			fmt.Printf("Splicing %s -> %s\n", proxy.Addr(), cfg.MITM.Upstream)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := proxy.Stop(ctx); err != nil {
				return err
			}

			intercepts := proxy.Intercepts()
			fmt.Printf("\nCaptured %s message(s)\n", humanize.Comma(int64(len(intercepts))))
			for _, ic := range intercepts {
				fmt.Printf("  %s: %s\n", ic.Author, ic.Content)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "Real server address (overrides config)")

	return cmd
}

func usersCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Maintain the user directory",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "database", "users.sqlite", "Path to the sqlite user directory")

	openDir := func() (*directory.SQLiteDirectory, error) {
		return directory.OpenSQLite(dbPath)
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDir()
			if err != nil {
				return err
			}
			defer dir.Close()

			users, err := dir.ListUsers()
			if err != nil {
				return err
			}
			printUsers(users)
			fmt.Printf("%s user(s)\n", humanize.Comma(int64(len(users))))
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDir()
			if err != nil {
				return err
			}
			defer dir.Close()

			u, err := dir.FindUser(args[0])
			if err != nil {
				return err
			}
			if u == nil {
				return fmt.Errorf("no such user exists")
			}
			printUsers([]directory.User{*u})
			return nil
		},
	}

	var force bool
	addCmd := &cobra.Command{
		Use:   "add <name> <password>",
		Short: "Register a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			password := args[1]
			if name == "" {
				return fmt.Errorf("username cannot be empty")
			}
			if len(name) >= directory.MaxUsernameLen {
				return fmt.Errorf("username is too long")
			}
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}

			dir, err := openDir()
			if err != nil {
				return err
			}
			defer dir.Close()

			hasher := directory.SHA1Hasher{}
			user := directory.User{Username: name, PasswordHash: hasher.Hash(password)}

			if force {
				if err := dir.DeleteUser(name); err != nil {
					return err
				}
			}
			if err := dir.AddUser(user); err != nil {
				return err
			}
			fmt.Printf("added user %s\n", name)
			return nil
		},
	}
	addCmd.Flags().BoolVar(&force, "force", false, "Replace the user if it already exists")

	delCmd := &cobra.Command{
		Use:   "del <name>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDir()
			if err != nil {
				return err
			}
			defer dir.Close()

			if err := dir.DeleteUser(args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted user %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, getCmd, addCmd, delCmd)
	return cmd
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <password>",
		Short: "Print the directory digest of a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hasher := directory.SHA1Hasher{}
			fmt.Println(hasher.Hash(args[0]))
			return nil
		},
	}
}

func printUsers(users []directory.User) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tPASSWORD HASH")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\n", u.Username, u.PasswordHash)
	}
	w.Flush()
}
