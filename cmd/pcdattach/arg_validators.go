package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pcdattach/internal/models"
	"pcdattach/internal/store"
)

func requireAtLeastArgs(min int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min {
			return errors.New(message)
		}
		return nil
	}
}

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != count {
			return errors.New(message)
		}
		return nil
	}
}

func requireAtLeastOneID(cmd *cobra.Command, args []string) error {
	return requireAtLeastArgs(1, "attachment id is required")(cmd, args)
}

func parseOwnerArg(raw string) (models.OwnerRef, error) {
	ref, err := models.ParseOwnerRef(raw)
	if err != nil {
		return models.OwnerRef{}, fmt.Errorf("owner: %w", err)
	}
	return ref, nil
}

// parseTrailingOwner parses the last argument as the owner and points out
// swapped arguments.
func parseTrailingOwner(args []string) (models.OwnerRef, error) {
	raw := args[len(args)-1]
	ref, err := parseOwnerArg(raw)
	if err != nil && store.LooksLikeAttachmentID(raw) {
		return ref, fmt.Errorf("%w; the owner goes last: <id>... <type#id>", err)
	}
	return ref, err
}
