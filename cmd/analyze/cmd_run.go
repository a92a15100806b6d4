package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zatekoja/clinicalanalysis/backend/internal/bootstrap"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

type runFlags struct {
	patientID       string
	bundlePath      string
	specialty       string
	queryType       string
	question        string
	recommendations bool
	reasoning       bool
	output          string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [patient-id]",
		Short: "Analyze one patient",
		Long: `Analyze a patient from the configured patient source, or a bundle file.

Usage:
  analyze run p-1                               # Patient id as positional arg
  analyze run --patient=p-1 --reasoning         # With evidence-backed reasoning
  analyze run --bundle=bundle.json -o out.json  # Local bundle file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.patientID == "" && len(args) > 0 {
				flags.patientID = args[0]
			}
			return runAnalysis(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.patientID, "patient", "", "Patient id to load from the patient source")
	f.StringVar(&flags.bundlePath, "bundle", "", "Path to a patient bundle JSON file")
	f.StringVar(&flags.specialty, "specialty", "", "Specialty hint for adapter selection")
	f.StringVar(&flags.queryType, "query-type", "", "Query type: general, diagnostic, treatment")
	f.StringVar(&flags.question, "question", "", "Free-text clinical question")
	f.BoolVar(&flags.recommendations, "recommendations", false, "Include recommendations")
	f.BoolVar(&flags.reasoning, "reasoning", false, "Include reasoning steps")
	f.StringVarP(&flags.output, "output", "o", "", "Output path (default: stdout)")
	return cmd
}

func (f runFlags) options() entities.AnalysisOptions {
	return entities.AnalysisOptions{
		Specialty:              strings.TrimSpace(f.specialty),
		IncludeRecommendations: f.recommendations,
		IncludeReasoning:       f.reasoning,
		QueryType:              entities.ParseQueryType(f.queryType),
		Question:               strings.TrimSpace(f.question),
	}
}

func runAnalysis(cmd *cobra.Command, flags runFlags) error {
	if (flags.patientID == "") == (flags.bundlePath == "") {
		return errors.New("exactly one of a patient id or --bundle is required")
	}

	var bundle *entities.PatientBundle
	if flags.bundlePath != "" {
		data, err := os.ReadFile(flags.bundlePath)
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}
		bundle = &entities.PatientBundle{}
		if err := json.Unmarshal(data, bundle); err != nil {
			return fmt.Errorf("failed to decode bundle %s: %w", flags.bundlePath, err)
		}
	}

	return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
		var (
			result *entities.AnalysisResult
			err    error
		)
		if bundle != nil {
			result, err = app.Service.AnalyzeBundle(ctx, bundle, flags.options())
		} else {
			result, err = app.Service.AnalyzePatient(ctx, flags.patientID, flags.options())
		}
		if err != nil {
			return err
		}

		w, closeFn, err := openOutput(cmd, flags.output)
		if err != nil {
			return err
		}
		if err := writeJSON(w, result); err != nil {
			_ = closeFn()
			return err
		}
		return closeFn()
	})
}
