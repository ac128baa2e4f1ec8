package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	pipeline "github.com/foresight/rcm/internal/platform/webhook"
)

func lambdaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run as an AWS Lambda handler",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delivery",
		Short: "SQS-triggered webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startLambda(func(a *app) interface{} {
				// Without the queue URL failed items keep the queue's
				// default visibility timeout.
				var onFail pipeline.FailureHandler
				if a.cfg.DeliveryQueueURL != "" {
					onFail = a.backoff(a.cfg.DeliveryQueueURL)
				}
				return pipeline.NewDeliveryHandler(a.consumer(), onFail, a.logger).Handle
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dlq",
		Short: "SQS-triggered dead-letter processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startLambda(func(a *app) interface{} { return a.deadLetter().Handle })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "router",
		Short: "EventBridge-triggered event fan-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startLambda(func(a *app) interface{} { return a.router().Handle })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retention",
		Short: "Scheduled delivery record purge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startLambda(func(a *app) interface{} { return a.retention().Handle })
		},
	})
	return cmd
}

// startLambda builds the app once per cold start and hands the handler to
// the Lambda runtime, which never returns.
func startLambda(build func(a *app) interface{}) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	lambda.Start(build(a))
	return nil
}
