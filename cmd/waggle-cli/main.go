package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/waggle-router/pkg/httpclient"
)

var (
	// Global flags
	serverURL string
	token     string
	identity  string
	timeout   time.Duration

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "waggle-cli",
		Short: "Waggle router HTTP API command line interface",
		Long: `waggle-cli talks to the waggle router HTTP API. It publishes plugin
messages, issues tokens and checks router health. inspect decodes messages
locally.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Router server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("WAGGLE_TOKEN"), "Bearer token (defaults to $WAGGLE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "", "Plugin identity for routers running with no_auth")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Add subcommands
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newInspectCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help and offline commands
	if cmd.Name() == "help" || cmd.Parent() == nil || cmd.Name() == "inspect" {
		return nil
	}

	config := httpclient.Config{
		ServerURL: serverURL,
		Token:     token,
		Identity:  identity,
		Timeout:   timeout,
	}

	var err error
	client, err = httpclient.NewClient(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// requireAuthentication checks that the client can identify itself
func requireAuthentication() error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}
	if !client.IsAuthenticated() && identity == "" {
		return fmt.Errorf("not authenticated - provide --token or, for no_auth routers, --identity")
	}
	return nil
}
