package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsverify/opacheck/pkg/probe"
)

func newRegoRuleCmd(opts *rootOptions) *cobra.Command {
	var rule string

	cmd := &cobra.Command{
		Use:   "rego-rule",
		Short: "Verify the baseline rego rule evaluates to true",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := probe.NewBaselineRule(opts.dataURL("test"), opts.caFile, rule)
			if err != nil {
				return err
			}
			if err := p.Run(cmd.Context()); err != nil {
				return err
			}

			log.Info().Str("rule", rule).Msg("baseline rule check passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&rule, "rule", probe.DefaultRule, "boolean rule that must evaluate to true")

	return cmd
}
