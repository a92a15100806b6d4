package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zatekoja/clinicalanalysis/backend/internal/bootstrap"
	"github.com/zatekoja/clinicalanalysis/backend/internal/infrastructure/observability"
	"github.com/zatekoja/clinicalanalysis/backend/pkg/config"
)

const closeTimeout = 10 * time.Second

// appBuilder assembles the application; tests replace it to inject fakes.
var appBuilder = func(ctx context.Context, cfg *config.Config) (*bootstrap.App, error) {
	return bootstrap.Build(ctx, cfg, nil, bootstrap.Overrides{})
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "analyze",
		Short:         "Clinical risk analysis for patient bundles",
		Long:          "analyze scores clinical risk, raises alerts and optionally reasons over\nretrieved evidence for a single patient bundle.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env := "production"
			if verbose {
				env = "development"
			}
			observability.InitLoggerWithWriter("clinical-analysis-cli", env, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "human readable logs on stderr")
	root.Version = version

	root.AddCommand(newRunCmd())
	root.AddCommand(newAdaptersCmd())
	return root
}

// withApp loads configuration, builds the application and closes it after fn returns
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := appBuilder(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	return fn(ctx, app)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
