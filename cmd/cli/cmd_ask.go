package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NikhilSetiya/invest-assistant/internal/app"
	"github.com/NikhilSetiya/invest-assistant/internal/dispatch"
	"github.com/NikhilSetiya/invest-assistant/internal/feedback"
)

var (
	askUser    string
	askContext map[string]string

	feedbackQuality      float64
	feedbackSatisfaction float64
)

// askCmd routes one question through the dispatcher
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the assistant a question",
	Long: `Selects an expert for the question, calls it with retries and fallbacks,
and prints the answer together with the routing decision.

Example:
  invest ask "should I rebalance into bonds?" --context risk_tolerance=low`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// feedbackCmd rates a previous answer
var feedbackCmd = &cobra.Command{
	Use:   "feedback [request-id]",
	Short: "Rate a previous answer on a 1..5 scale",
	Long: `Stores the rating on the feedback record of request-id and applies the
resulting score update to the expert that answered. Needs a persistent
DB_DRIVER: the in-memory store forgets requests between runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedback,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "", "User ID attached to the command")
	askCmd.Flags().StringToStringVar(&askContext, "context", nil, "User context as key=value pairs")

	feedbackCmd.Flags().Float64Var(&feedbackQuality, "quality", 0, "Response quality (1-5)")
	feedbackCmd.Flags().Float64Var(&feedbackSatisfaction, "satisfaction", 0, "User satisfaction (1-5)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	command := dispatch.Command{
		Query:  strings.Join(args, " "),
		UserID: askUser,
	}
	if len(askContext) > 0 {
		command.Context = make(map[string]interface{}, len(askContext))
		for k, v := range askContext {
			command.Context[k] = v
		}
	}

	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		result, err := a.Dispatcher.Handle(ctx, command)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), result)
		}
		printResult(cmd, result)
		return nil
	})
}

func printResult(cmd *cobra.Command, r *dispatch.RoutingResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, r.Response)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "expert:     %s (%s, confidence %.0f)\n", r.ExpertUsed, r.RoutingMethod, r.Confidence)
	if r.FallbackUsed && r.OriginalExpert != "" {
		fmt.Fprintf(out, "fallback:   %s failed (%s)\n", r.OriginalExpert, r.OriginalFailure)
	}
	if r.FromCache {
		fmt.Fprintln(out, "cache:      hit")
	}
	if r.Degraded {
		fmt.Fprintln(out, "degraded:   yes")
	}
	fmt.Fprintf(out, "latency:    %dms, %d attempt(s)\n", r.Performance.LatencyMs, r.Performance.Attempts)
	fmt.Fprintf(out, "request id: %s\n", r.RequestID)
}

func runFeedback(cmd *cobra.Command, args []string) error {
	var quality, satisfaction *float64
	if cmd.Flags().Changed("quality") {
		quality = &feedbackQuality
	}
	if cmd.Flags().Changed("satisfaction") {
		satisfaction = &feedbackSatisfaction
	}
	if quality == nil && satisfaction == nil {
		return fmt.Errorf("--quality or --satisfaction is required")
	}
	for _, v := range []*float64{quality, satisfaction} {
		if v != nil && (*v < 1 || *v > 5) {
			return fmt.Errorf("ratings must be between 1 and 5")
		}
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		record, err := a.Store.UpdateFeedbackRecord(ctx, args[0], quality, satisfaction)
		if err != nil {
			return err
		}
		if record.FallbackUsed {
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded. %s answered as a fallback, its score is unchanged.\n", record.ExpertName)
			return nil
		}
		queued := a.Worker.Submit(feedback.Job{
			RequestID: record.RequestID,
			Expert:    record.ExpertName,
			Feedback:  feedback.FromRecord(record),
		})
		if !queued {
			return fmt.Errorf("score update for %s was not queued", record.ExpertName)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded. Score update queued for %s.\n", record.ExpertName)
		return nil
	})
}
