package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-file/pkg/simplefile"
	"github.com/tendant/simple-file/pkg/simplefile/config"
)

// opener builds the file service the commands run against
type opener func(ctx context.Context) (*config.Built, error)

func newRootCmd(open opener) *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:           "filectl",
		Short:         "Save, replace and remove files in a simple-file store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
		},
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output")

	cmd.AddCommand(
		newPutCmd(open, &jsonOutput),
		newReplaceCmd(open, &jsonOutput),
		newRemoveCmd(open),
		newCatCmd(open),
		newInfoCmd(open, &jsonOutput),
		newGCCmd(open, &jsonOutput),
	)

	return cmd
}

// withService opens the service for one command and releases it afterwards
func withService(cmd *cobra.Command, open opener, fn func(svc simplefile.Service) error) error {
	built, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Close(); err != nil {
			slog.Warn("failed to release resources", "err", err)
		}
	}()
	return fn(built.Service)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: expected RFC3339", value)
	}
	return &t, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
