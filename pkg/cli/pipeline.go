package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsverify/opacheck/pkg/backoff"
	"github.com/opsverify/opacheck/pkg/logcheck"
)

func newLogPipelineCmd(opts *rootOptions) *cobra.Command {
	defaults := backoff.DefaultConfig()

	var aggregatorURL string
	var initialInterval time.Duration
	var maxInterval time.Duration
	var deadline time.Duration
	var attempts int

	cmd := &cobra.Command{
		Use:   "log-pipeline",
		Short: "Verify decision events propagate through the log pipeline",
		Long: `log-pipeline triggers one policy decision, then polls the log
aggregator's transform counters until every transform reports shipped
events and the invalid-events branch stays empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				return fmt.Errorf("--url is required, the decision trigger has no derived default")
			}

			checker := logcheck.New(logcheck.Config{
				TriggerURL:    opts.url,
				AggregatorURL: aggregatorURL,
				Retry: backoff.Config{
					InitialInterval: initialInterval,
					MaxInterval:     maxInterval,
					MaxAttempts:     attempts,
					MaxElapsed:      deadline,
				},
			})
			if err := checker.Check(cmd.Context()); err != nil {
				return err
			}

			log.Info().Msg("log pipeline check passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&aggregatorURL, "aggregator-url", "", "log aggregator GraphQL endpoint")
	cmd.Flags().DurationVar(&initialInterval, "initial-interval", defaults.InitialInterval,
		"delay before the first aggregator re-check")
	cmd.Flags().DurationVar(&maxInterval, "max-interval", defaults.MaxInterval,
		"cap on the delay between aggregator re-checks")
	cmd.Flags().DurationVar(&deadline, "deadline", defaults.MaxElapsed,
		"overall time budget for event propagation")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "attempt limit, unlimited when zero")
	cmd.MarkFlagRequired("aggregator-url")

	return cmd
}
