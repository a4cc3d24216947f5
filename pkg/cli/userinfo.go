package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsverify/opacheck/pkg/userinfo"
)

func newUserInfoCmd(opts *rootOptions) *cobra.Command {
	var testType string
	var fixtureFile string

	cmd := &cobra.Command{
		Use:   "user-info",
		Short: "Verify the identity records resolved for a provisioned fixture set",
		Long: `user-info queries the policy service for every user in the selected
fixture set and checks the returned identity records: usernames, group
memberships, custom attributes, reverse-lookup consistency and the
structured error records for unknown users.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := resolveSet(testType, fixtureFile)
			if err != nil {
				return err
			}

			client, path, err := opts.dataClient("userinfo")
			if err != nil {
				return err
			}

			verifier := userinfo.NewVerifier(client, path, set)
			if err := verifier.VerifySet(cmd.Context()); err != nil {
				return err
			}

			log.Info().
				Str("backend", set.Backend).
				Int("users", len(set.Users)).
				Msg("user info checks passed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&testType, "test-type", "t", "",
		fmt.Sprintf("built-in fixture set to verify, one of %v", userinfo.TestTypes()))
	cmd.Flags().StringVar(&fixtureFile, "fixtures", "", "YAML file with a custom fixture set")

	return cmd
}

// resolveSet picks the fixture set from the flags. Exactly one source must
// be given.
func resolveSet(testType, fixtureFile string) (userinfo.FixtureSet, error) {
	switch {
	case testType != "" && fixtureFile != "":
		return userinfo.FixtureSet{}, fmt.Errorf("--test-type and --fixtures are mutually exclusive")
	case fixtureFile != "":
		return userinfo.LoadFixtureSet(fixtureFile)
	case testType != "":
		return userinfo.BuiltinSet(testType)
	default:
		return userinfo.FixtureSet{}, fmt.Errorf("either --test-type or --fixtures is required")
	}
}
