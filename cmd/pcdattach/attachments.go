package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"pcdattach/internal/config"
	"pcdattach/internal/models"
	"pcdattach/internal/service"
)

type attachOptions struct {
	owner       string
	name        string
	contentType string
}

func newAttachCmd(cfg *config.Config) *cobra.Command {
	opts := &attachOptions{}
	cmd := &cobra.Command{
		Use:   "attach <path>",
		Short: "Store a file and attach it to an owner",
		Args:  requireExactlyArgs(1, "file path is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseOwnerArg(opts.owner)
			if err != nil {
				return err
			}
			content, err := readUpload(args[0], cfg.Attachments.MaxUploadBytes)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				attachment, err := a.service.Attach(ctx, service.AttachInput{
					OwnerType:    ref.Type,
					OwnerID:      ref.ID,
					Content:      content,
					OriginalName: chooseFirst(strings.TrimSpace(opts.name), filepath.Base(args[0])),
					ContentType:  opts.contentType,
				})
				if err != nil {
					return err
				}
				return writeOutput(attachment, func(w io.Writer) error {
					return writeAttachmentDetail(w, attachment)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.owner, "owner", "", "owner as type#id (tool, rma, passdown, track_trend)")
	cmd.Flags().StringVar(&opts.name, "name", "", "original file name to record (defaults to the path's base name)")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "", "declared media type, used only when sniffing is inconclusive")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

// readUpload reads at most limit+1 bytes so oversize files are rejected by
// the upload policy without loading them whole.
func readUpload(path string, limit int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if limit > 0 {
		r = io.LimitReader(file, limit+1)
	}
	return io.ReadAll(r)
}

func newShowCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show attachment metadata",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				attachment, err := a.service.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return writeOutput(attachment, func(w io.Writer) error {
					return writeAttachmentDetail(w, attachment)
				})
			})
		},
	}
}

func newCatCmd(cfg *config.Config) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "cat <id>",
		Short: "Write attachment content to stdout or a file",
		Args:  requireExactlyArgs(1, "attachment id is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				_, rc, err := a.service.Open(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()

				if outPath == "" {
					_, err = io.Copy(stdout, rc)
					return err
				}
				out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
				if err != nil {
					return err
				}
				if _, err := io.Copy(out, rc); err != nil {
					_ = out.Close()
					return err
				}
				return out.Close()
			})
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write content to this file instead of stdout")
	return cmd
}

func newListCmd(cfg *config.Config) *cobra.Command {
	var kindRaw string

	cmd := &cobra.Command{
		Use:   "list <type#id>",
		Short: "List an owner's attachments, oldest first",
		Args:  requireExactlyArgs(1, "owner is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseOwnerArg(args[0])
			if err != nil {
				return err
			}
			var kind models.AttachmentKind
			if strings.TrimSpace(kindRaw) != "" {
				if kind, err = models.ParseAttachmentKind(kindRaw); err != nil {
					return err
				}
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				rows, err := a.service.ListForOwner(ctx, ref)
				if err != nil {
					return err
				}
				if kind != "" {
					rows = filterByKind(rows, kind)
				}
				return writeOutput(rows, func(w io.Writer) error {
					return writeAttachmentList(w, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&kindRaw, "kind", "", "only show picture or document attachments")
	return cmd
}

func filterByKind(rows []models.Attachment, kind models.AttachmentKind) []models.Attachment {
	out := make([]models.Attachment, 0, len(rows))
	for _, a := range rows {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type deleteResult struct {
	Deleted []string          `json:"deleted" yaml:"deleted"`
	Failed  map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func newDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		Aliases: []string{"rm"},
		Short:   "Delete attachments and their files when no longer shared",
		Args:    requireAtLeastOneID,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			return withApp(cfg, func(a *app) error {
				result := deleteResult{Deleted: []string{}}
				var errs []error
				for _, id := range args {
					if err := a.service.Delete(ctx, id); err != nil {
						if result.Failed == nil {
							result.Failed = map[string]string{}
						}
						result.Failed[id] = err.Error()
						errs = append(errs, err)
						continue
					}
					result.Deleted = append(result.Deleted, id)
				}

				if err := writeOutput(result, func(w io.Writer) error {
					for _, id := range result.Deleted {
						if _, err := fmt.Fprintf(w, "deleted %s\n", id); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					return err
				}
				if len(errs) == 1 {
					return errs[0]
				}
				return errors.Join(errs...)
			})
		},
	}
}

func chooseFirst(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
