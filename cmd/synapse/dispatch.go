package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synapse/internal/dispatcher"
)

var (
	dispatchIntent  string
	dispatchRegion  string
	dispatchPayload string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [concept]",
	Short: "Route a single task to the best worker",
	Long: `Dispatches one task through the routing pipeline: candidate lookup,
relevance scoring, delivery, and outcome learning. When no candidate
clears the threshold a specialized worker is grown on demand.

Example:
  synapse dispatch database-migration --intent analyze --region us-east`,
	Args: cobra.ExactArgs(1),
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchIntent, "intent", "", "Task intent, matched against worker capabilities")
	dispatchCmd.Flags().StringVar(&dispatchRegion, "region", "", "Restrict routing to one region")
	dispatchCmd.Flags().StringVar(&dispatchPayload, "payload", "", "Task payload as raw JSON")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	task := dispatcher.Task{
		Concept: strings.TrimSpace(args[0]),
		Intent:  dispatchIntent,
		Region:  dispatchRegion,
	}
	if dispatchPayload != "" {
		if !json.Valid([]byte(dispatchPayload)) {
			return fmt.Errorf("--payload must be valid JSON")
		}
		task.Payload = json.RawMessage(dispatchPayload)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	res, err := eng.dispatcher.Dispatch(ctx, task)
	if err != nil {
		return err
	}

	logger.Info("Dispatch complete",
		zap.String("task", res.TaskID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("worker", res.Worker))

	switch res.Outcome {
	case dispatcher.OutcomeDispatched:
		verdict := "failed"
		if res.Success {
			verdict = "succeeded"
		}
		fmt.Printf("Task %s -> %s (score %.4f), %s in %s\n",
			res.TaskID, res.Worker, res.Score, verdict, res.Latency.Round(0))
	case dispatcher.OutcomeQueued:
		fmt.Printf("Task %s: no adequate worker; growth queued for concept %q\n", res.TaskID, task.Concept)
	case dispatcher.OutcomeNoCapacity:
		fmt.Printf("Task %s refused: worker pool and provision queue are full\n", res.TaskID)
	}
	return nil
}
