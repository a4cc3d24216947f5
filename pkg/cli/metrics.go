package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsverify/opacheck/pkg/probe"
)

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	var expect string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Verify the metrics endpoint exposes the bundle load counter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				return fmt.Errorf("--url is required, the metrics listener has no derived default")
			}

			p, err := probe.NewMetricsProbe(opts.url, expect, opts.caFile)
			if err != nil {
				return err
			}
			if err := p.Run(cmd.Context()); err != nil {
				return err
			}

			log.Info().Str("metric", expect).Msg("metrics check passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&expect, "expect", probe.DefaultMetricSubstring,
		"substring that must appear in the exposition text")

	return cmd
}
