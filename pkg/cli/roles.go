package cli

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opsverify/opacheck/pkg/userinfo"
)

func newRolesCmd(opts *rootOptions) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "roles",
		Short: "Verify the realm role assignments resolved for the bootstrap admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, path, err := opts.dataClient("currentUserInfo")
			if err != nil {
				return err
			}

			verifier := userinfo.NewVerifier(client, path, userinfo.FixtureSet{})
			want := userinfo.AdminRoleAssignments()
			if err := verifier.VerifyRoleAssignments(cmd.Context(), username, want); err != nil {
				return err
			}

			log.Info().Str("username", username).Msg("role assignment check passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "admin", "username expected to hold the master realm roles")

	return cmd
}
