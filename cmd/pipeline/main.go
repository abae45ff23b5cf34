// Command pipeline runs the offline batch steps: anonymizing the event file
// and training the classifier.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gridsec-analytics/internal/factory"
	"gridsec-analytics/internal/service"
	"gridsec-analytics/internal/util"
)

var (
	epsilon   float64
	persist   bool
	ephemeral bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridsec-pipeline",
		Short: "Offline anonymization and model training for grid security events",
		Long: `gridsec-pipeline loads the configured event file and runs the batch steps
that the API otherwise triggers on demand.

  anonymize  apply Laplace noise to sensor readings and write the anonymized batch
  train      fit the random forest and persist it to the model store
  all        anonymize, then train`,
		SilenceUsage: true,
	}

	anonymizeCmd := &cobra.Command{
		Use:   "anonymize",
		Short: "Anonymize sensor readings with the configured privacy budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), runAnonymize)
		},
	}
	anonymizeCmd.Flags().Float64Var(&epsilon, "epsilon", 0, "Privacy budget override (0 uses PRIVACY_EPSILON)")
	anonymizeCmd.Flags().BoolVar(&persist, "persist", true, "Write the anonymized batch to file and warehouse")

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train and persist the threat classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrainingService(cmd.Context(), runTrain)
		},
	}
	trainCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Train even when the model cannot be persisted")

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Anonymize, then train",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTrainingService(cmd.Context(), func(ctx context.Context, svc *service.AnalyticsService) error {
				if err := runAnonymize(ctx, svc); err != nil {
					return err
				}
				return runTrain(ctx, svc)
			})
		},
	}
	allCmd.Flags().Float64Var(&epsilon, "epsilon", 0, "Privacy budget override (0 uses PRIVACY_EPSILON)")
	allCmd.Flags().BoolVar(&persist, "persist", true, "Write the anonymized batch to file and warehouse")
	allCmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Train even when the model cannot be persisted")

	rootCmd.AddCommand(anonymizeCmd, trainCmd, allCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func withService(ctx context.Context, run func(context.Context, *service.AnalyticsService) error) error {
	f, err := factory.NewFactory()
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	return run(ctx, f.ServiceFactory().AnalyticsService())
}

// withTrainingService is withService for commands that train. Training without
// a durable model store is refused unless --ephemeral is set.
func withTrainingService(ctx context.Context, run func(context.Context, *service.AnalyticsService) error) error {
	f, err := factory.NewFactory()
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	if err := checkModelStore(f.DurableModelStore(), ephemeral); err != nil {
		return err
	}
	return run(ctx, f.ServiceFactory().AnalyticsService())
}

var errNoDurableModelStore = errors.New("no durable model store configured (enable Redis, or pass --ephemeral to train anyway)")

func checkModelStore(durable, allowEphemeral bool) error {
	switch {
	case durable:
		return nil
	case allowEphemeral:
		util.Warn("Model store is in-memory; the trained model is discarded on exit")
		return nil
	default:
		return errNoDurableModelStore
	}
}

func runAnonymize(ctx context.Context, svc *service.AnalyticsService) error {
	req := service.AnonymizeRequest{Persist: persist}
	if epsilon > 0 {
		req.Epsilon = &epsilon
	}

	res, err := svc.Anonymize(ctx, req)
	if err != nil {
		return fmt.Errorf("anonymize: %w", err)
	}

	util.Info("Anonymization complete",
		util.String("batch_id", res.BatchID),
		util.Int("events", res.TotalEvents),
		util.Float64("epsilon", res.Epsilon),
		util.Float64("utility_loss", res.AverageUtilityLoss),
		util.String("quality", string(res.Quality)),
		util.Bool("warehoused", res.Warehoused),
	)

	fmt.Printf("Anonymized %d events (epsilon %.2f)\n", res.TotalEvents, res.Epsilon)
	for _, f := range res.Fields {
		fmt.Printf("  %-20s change %6.2f%%\n", f.Field, f.ChangePercent)
	}
	fmt.Printf("Average utility loss: %.2f%% (%s)\n", res.AverageUtilityLoss, res.Quality)
	if res.OutputFile != "" {
		fmt.Printf("Written to: %s\n", res.OutputFile)
	}
	return nil
}

func runTrain(ctx context.Context, svc *service.AnalyticsService) error {
	report, err := svc.Train(ctx)
	if err != nil {
		return fmt.Errorf("train: %w", err)
	}

	eval := report.Evaluation
	fmt.Printf("Trained on %d events, tested on %d (%s)\n", report.TrainSize, report.TestSize, report.Duration)
	fmt.Printf("Accuracy: %.2f%%  Precision: %.3f  Recall: %.3f  AUC: %.3f (%s)\n",
		eval.Accuracy*100, eval.Precision, eval.Recall, eval.AUC, eval.AUCQuality)

	cm := eval.ConfusionMatrix
	fmt.Println("Confusion matrix:")
	fmt.Printf("                 Predicted Normal  Predicted Suspicious\n")
	fmt.Printf("Actual Normal         %6d           %6d\n", cm.TN, cm.FP)
	fmt.Printf("Actual Suspicious     %6d           %6d\n", cm.FN, cm.TP)

	fmt.Println("Feature importance:")
	for _, fi := range eval.FeatureImportance {
		fmt.Printf("  %-22s %.4f\n", fi.Feature, fi.Importance)
	}
	return nil
}
