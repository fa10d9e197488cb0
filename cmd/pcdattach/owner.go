package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/models"
)

func newOwnerCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owner records used for seeding and repair",
	}
	cmd.AddCommand(
		newOwnerCreateCmd(cfg),
		newOwnerListCmd(cfg),
		newOwnerShowCmd(cfg),
		newOwnerDeleteCmd(cfg),
	)
	return cmd
}

func newOwnerCreateCmd(cfg *config.Config) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "create <type#id>",
		Short: "Register an owner record",
		Args:  requireExactlyArgs(1, "owner is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseOwnerArg(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				owner := &models.Owner{Type: ref.Type, ID: ref.ID, Name: strings.TrimSpace(name)}
				if err := a.store.Owners().Create(ctx, owner); err != nil {
					return fmt.Errorf("create owner %s: %w", ref, err)
				}
				owner.Attachments = []models.Attachment{}
				return writeOutput(owner, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "created %s\n", ref)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newOwnerListCmd(cfg *config.Config) *cobra.Command {
	var ownerTypeRaw string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List owner records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ownerType models.OwnerType
			if strings.TrimSpace(ownerTypeRaw) != "" {
				parsed, err := models.ParseOwnerType(ownerTypeRaw)
				if err != nil {
					return err
				}
				ownerType = parsed
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				owners, err := a.store.Owners().List(ctx, ownerType)
				if err != nil {
					return fmt.Errorf("list owners: %w", err)
				}
				return writeOutput(owners, func(w io.Writer) error {
					return writeOwnerList(w, owners)
				})
			})
		},
	}

	cmd.Flags().StringVar(&ownerTypeRaw, "type", "", "filter by owner type")
	return cmd
}

func newOwnerShowCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <type#id>",
		Short: "Show an owner and its attachment collection",
		Args:  requireExactlyArgs(1, "owner is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseOwnerArg(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				owner, err := a.store.Owners().FindByID(ctx, ref)
				if err != nil {
					return fmt.Errorf("load owner %s: %w", ref, err)
				}
				if owner == nil {
					return fmt.Errorf("owner %s not found", ref)
				}
				return writeOutput(owner, func(w io.Writer) error {
					if err := writeOwnerList(w, []models.Owner{*owner}); err != nil {
						return err
					}
					return writeAttachmentList(w, owner.Attachments)
				})
			})
		},
	}
}

func newOwnerDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type#id>",
		Short: "Delete an owner record; its attachments become orphans for the next sweep",
		Args:  requireExactlyArgs(1, "owner is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseOwnerArg(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				deleted, err := a.store.Owners().Delete(ctx, ref)
				if err != nil {
					return fmt.Errorf("delete owner %s: %w", ref, err)
				}
				if !deleted {
					return fmt.Errorf("owner %s not found", ref)
				}
				return writeOutput(map[string]any{"deleted": ref}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %s\n", ref)
					return err
				})
			})
		},
	}
}
