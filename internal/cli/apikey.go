package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"docfinder/internal/auth"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newAPIKeyCreateCmd())
	cmd.AddCommand(newAPIKeyRevokeCmd())
	cmd.AddCommand(newAPIKeyListCmd())
	return cmd
}

func newAPIKeyCreateCmd() *cobra.Command {
	var (
		owner int64
		label string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key for an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if owner <= 0 {
				return fmt.Errorf("--owner must be a positive id")
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			key, rec, err := auth.NewService(s.db, s.cache).CreateKey(cmd.Context(), owner, label)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key:   %s\nowner: %d\nid:    %d\n", key, rec.OwnerID, rec.ID)
			fmt.Fprintln(cmd.ErrOrStderr(), "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "Owner id the key authenticates as")
	cmd.Flags().StringVar(&label, "label", "", "Free-form label")
	return cmd
}

func newAPIKeyRevokeCmd() *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "revoke [KEY]",
		Short: "Revoke one key, or every key of --owner",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && owner <= 0 {
				return fmt.Errorf("pass a KEY or --owner")
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			svc := auth.NewService(s.db, s.cache)
			svc.SetLogger(s.log)
			if len(args) == 1 {
				if err := svc.RevokeKey(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "revoked")
				return nil
			}
			n, err := svc.RevokeOwnerKeys(cmd.Context(), owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d key(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "Revoke every active key of this owner")
	return cmd
}

func newAPIKeyListCmd() *cobra.Command {
	var owner int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the keys of an owner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			keys, err := auth.NewService(s.db, s.cache).ListKeys(cmd.Context(), owner)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(keys)
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "Owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
