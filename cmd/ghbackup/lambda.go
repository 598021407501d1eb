package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
)

// lambdaResponse is returned to the Lambda runtime after every invocation
type lambdaResponse struct {
	RunID             string `json:"run_id"`
	Summary           string `json:"summary"`
	Processed         int    `json:"processed"`
	BackedUp          int    `json:"backed_up"`
	Uploaded          int    `json:"uploaded"`
	StoppedForTimeout bool   `json:"stopped_for_timeout"`
}

type runFunc func(ctx context.Context, deadline time.Time) (*lambdaResponse, error)

func runLambda(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var a *app
	lambda.Start(lambdaHandler(func(ctx context.Context, deadline time.Time) (*lambdaResponse, error) {
		// Built lazily so a warm container reuses its clients
		if a == nil {
			built, err := newApp(ctx, cfg, logger, false)
			if err != nil {
				return nil, err
			}
			a = built
		}

		result, err := a.run(ctx, deadline)
		a.pushMetrics(ctx)
		if err != nil {
			return nil, err
		}
		resp := &lambdaResponse{
			RunID:             result.RunID,
			Summary:           result.Summary(),
			Processed:         result.Processed,
			BackedUp:          result.BackedUp,
			Uploaded:          result.Uploaded,
			StoppedForTimeout: result.StoppedForTimeout,
		}
		return resp, result.Err()
	}))

	return nil
}

// lambdaHandler adapts run to the Lambda handler signature. The run deadline
// is the invocation deadline; invocations without one are unbounded.
func lambdaHandler(run runFunc) func(ctx context.Context) (*lambdaResponse, error) {
	return func(ctx context.Context) (*lambdaResponse, error) {
		deadline, _ := ctx.Deadline()
		return run(ctx, deadline)
	}
}
