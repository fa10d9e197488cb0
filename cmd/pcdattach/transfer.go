package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/service"
)

func newTransferCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <id>... <type#id>",
		Short: "Move attachments to another owner",
		Long: "Move one or more attachments to the target owner. The attachment row and\n" +
			"both owner collections change together and are verified after commit.\n" +
			"Files are never copied or moved.",
		Args: requireAtLeastArgs(2, "attachment id and target owner are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTrailingOwner(args)
			if err != nil {
				return err
			}
			ids := args[:len(args)-1]

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				if len(ids) == 1 {
					moved, err := a.service.Transfer(ctx, ids[0], target)
					if errors.Is(err, service.ErrNoOpTransfer) {
						return writeOutput(moved, func(w io.Writer) error {
							_, err := fmt.Fprintf(w, "%s already belongs to %s\n", moved.ID, target)
							return err
						})
					}
					if err != nil {
						return err
					}
					return writeOutput(moved, func(w io.Writer) error {
						_, err := fmt.Fprintf(w, "transferred %s to %s\n", moved.ID, moved.Owner())
						return err
					})
				}

				items := make([]service.TransferRequest, 0, len(ids))
				for _, id := range ids {
					items = append(items, service.TransferRequest{AttachmentID: id, Target: target})
				}
				result, err := a.service.TransferBatch(ctx, items)
				if err != nil {
					return err
				}
				if err := writeOutput(result, func(w io.Writer) error {
					return writeBatchResult(w, result)
				}); err != nil {
					return err
				}
				if result.Failed > 0 {
					return fmt.Errorf("%d of %d transfer(s) failed", result.Failed, len(items))
				}
				return nil
			})
		},
	}
}

func newShareCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "share <id> <type#id>",
		Short: "Attach an existing file to another owner without copying it",
		Args:  requireExactlyArgs(2, "attachment id and target owner are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parseTrailingOwner(args)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				shared, err := a.service.Share(ctx, args[0], target)
				if err != nil {
					return err
				}
				return writeOutput(shared, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "shared %s with %s as %s\n", args[0], target, shared.ID)
					return err
				})
			})
		},
	}
}

func newVerifyCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id> <type#id>",
		Short: "Check that an attachment is held exactly once by an owner",
		Args:  requireExactlyArgs(2, "attachment id and owner are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := parseTrailingOwner(args)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				placement, err := a.service.VerifyPlacement(ctx, args[0], owner)
				if err != nil {
					return err
				}
				if err := writeOutput(placement, func(w io.Writer) error {
					return writePlacement(w, placement)
				}); err != nil {
					return err
				}
				if !placement.Consistent {
					return fmt.Errorf("%s is not consistently held by %s", placement.AttachmentID, owner)
				}
				return nil
			})
		},
	}
}
