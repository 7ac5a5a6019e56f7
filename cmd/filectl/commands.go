package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tendant/simple-file/pkg/simplefile"
)

type fileAttrs struct {
	name   string
	access string
	expire string
}

func (a *fileAttrs) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.name, "name", "", "original file name (default: base name of the path)")
	cmd.Flags().StringVar(&a.access, "access", "", "access value stored with the alias")
	cmd.Flags().StringVar(&a.expire, "expire", "", "expiry stored with the alias (RFC3339)")
}

func (a *fileAttrs) originalName(path string) string {
	if a.name != "" || path == "-" {
		return a.name
	}
	return filepath.Base(path)
}

func newPutCmd(open opener, jsonOutput *bool) *cobra.Command {
	attrs := &fileAttrs{}
	var alias string

	cmd := &cobra.Command{
		Use:   "put <path>",
		Short: "Save a local file, reusing stored bytes when the content is already known",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expire, err := parseOptionalTime(attrs.expire)
			if err != nil {
				return err
			}
			return withService(cmd, open, func(svc simplefile.Service) error {
				path := args[0]
				if path != "-" {
					key := alias
					if key == "" {
						generated, err := svc.GenerateAlias(attrs.originalName(path))
						if err != nil {
							return err
						}
						key = generated
					}
					saved, err := svc.SaveFromPath(cmd.Context(), simplefile.FileAlias{
						Alias:        key,
						OriginalName: attrs.originalName(path),
						Access:       attrs.access,
						Expire:       expire,
					}, path)
					if err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
							"alias": key,
							"path":  saved,
						})
					}
					fmt.Fprintln(cmd.OutOrStdout(), key)
					return nil
				}

				data, err := readInput(path)
				if err != nil {
					return err
				}
				saved, err := svc.SaveFromBytes(cmd.Context(), data, simplefile.SaveFileRequest{
					Alias:        alias,
					OriginalName: attrs.name,
					Access:       attrs.access,
					Expire:       expire,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(cmd.OutOrStdout(), saved)
				}
				fmt.Fprintln(cmd.OutOrStdout(), saved.Alias)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&alias, "alias", "", "alias to save under (default: generated)")
	attrs.bind(cmd)
	return cmd
}

func newReplaceCmd(open opener, jsonOutput *bool) *cobra.Command {
	attrs := &fileAttrs{}

	cmd := &cobra.Command{
		Use:   "replace <alias> <path>",
		Short: "Replace the content and attributes of an alias",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expire, err := parseOptionalTime(attrs.expire)
			if err != nil {
				return err
			}
			data, err := readInput(args[1])
			if err != nil {
				return err
			}
			return withService(cmd, open, func(svc simplefile.Service) error {
				path, err := svc.Replace(cmd.Context(), simplefile.FileAlias{Alias: args[0]}, data, simplefile.ReplaceFileRequest{
					OriginalName: attrs.originalName(args[1]),
					Access:       attrs.access,
					Expire:       expire,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(cmd.OutOrStdout(), path)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path.URI)
				return nil
			})
		},
	}

	attrs.bind(cmd)
	return cmd
}

func newRemoveCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <alias>...",
		Aliases: []string{"delete"},
		Short:   "Delete aliases, removing blobs no other alias shares",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(svc simplefile.Service) error {
				for _, alias := range args {
					if err := svc.Delete(cmd.Context(), alias); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newCatCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <alias>",
		Short: "Write the bytes of an alias to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(svc simplefile.Service) error {
				reader, _, err := svc.Open(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				defer reader.Close()
				_, err = io.Copy(cmd.OutOrStdout(), reader)
				return err
			})
		},
	}
}

func newInfoCmd(open opener, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info <alias>",
		Short: "Show an alias and where its bytes are served from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(svc simplefile.Service) error {
				alias, err := svc.GetAlias(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				path, err := svc.CreateFilePath(*alias)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
						"alias": alias,
						"path":  path,
						"url":   path.URL(),
					})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "alias:    %s\n", alias.Alias)
				fmt.Fprintf(out, "file_uri: %s\n", alias.FileURI)
				if alias.OriginalName != "" {
					fmt.Fprintf(out, "name:     %s\n", alias.OriginalName)
				}
				if url := path.URL(); url != "" {
					fmt.Fprintf(out, "url:      %s\n", url)
				}
				return nil
			})
		},
	}
}

func newGCCmd(open opener, jsonOutput *bool) *cobra.Command {
	var (
		apply bool
		batch int
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Report or remove stored blobs that no alias references",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, open, func(svc simplefile.Service) error {
				result, err := svc.CollectOrphans(cmd.Context(), simplefile.CollectOrphansRequest{
					BatchSize: batch,
					Apply:     apply,
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				out := cmd.OutOrStdout()
				if result.DryRun {
					fmt.Fprintf(out, "dry run: %d orphan(s), %d bytes reclaimable\n", result.CandidateCount, result.ReclaimedBytes)
					for _, meta := range result.Candidates {
						fmt.Fprintf(out, "  %s %d\n", meta.FileURI, meta.SizeBytes)
					}
					return nil
				}
				fmt.Fprintf(out, "deleted %d of %d orphan(s), %d failed, %d bytes reclaimed\n",
					result.DeletedCount, result.CandidateCount, result.FailedCount, result.ReclaimedBytes)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "delete the orphans instead of listing them")
	cmd.Flags().IntVar(&batch, "batch", 0, "candidates examined per batch (default 100)")
	return cmd
}
