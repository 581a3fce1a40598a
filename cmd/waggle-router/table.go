package main

import (
	"fmt"

	"github.com/spf13/cobra"

	policies "github.com/rmacdonaldsmith/waggle-router/internal/routing"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
)

func newTableCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "table",
		Short: "Manage the node admission table",
		Long:  "Admit, revoke and list the nodes a table-mode router forwards for",
	}

	cmd.PersistentFlags().StringVar(&path, "path", "", "Admission table database (required)")
	if err := cmd.MarkPersistentFlagRequired("path"); err != nil {
		panic(fmt.Sprintf("Failed to mark path as required: %v", err))
	}

	withStore := func(run func(cmd *cobra.Command, store *policies.TableStore, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := policies.OpenTableStore(path)
			if err != nil {
				return err
			}
			defer store.Close()
			return run(cmd, store, args)
		}
	}

	var note string
	admit := &cobra.Command{
		Use:   "admit <node-id>",
		Short: "Admit a node",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *policies.TableStore, args []string) error {
			node, err := envelope.NormalizeID(args[0])
			if err != nil {
				return err
			}
			if err := store.Admit(cmd.Context(), node, note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admitted %s\n", node)
			return nil
		}),
	}
	admit.Flags().StringVar(&note, "note", "", "Free-form note stored with the node")

	revoke := &cobra.Command{
		Use:   "revoke <node-id>",
		Short: "Revoke a node",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *policies.TableStore, args []string) error {
			node, err := envelope.NormalizeID(args[0])
			if err != nil {
				return err
			}
			if err := store.Revoke(cmd.Context(), node); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", node)
			return nil
		}),
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List admitted nodes",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *policies.TableStore, args []string) error {
			nodes, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, node := range nodes {
				fmt.Fprintln(cmd.OutOrStdout(), node)
			}
			return nil
		}),
	}

	cmd.AddCommand(admit, revoke, list)
	return cmd
}
