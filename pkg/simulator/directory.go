package simulator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/opsverify/opacheck/pkg/userinfo"
)

// Directory is the in-memory identity backend the policy bundle resolves
// users from. It is built once from a fixture set and never mutated.
type Directory struct {
	set     userinfo.FixtureSet
	records []userinfo.Record
	roles   []roleAssignment
}

type roleAssignment struct {
	Username string `json:"username"`
	userinfo.RoleAssignments
}

// NewDirectory provisions one account per fixture. Accounts get generated
// identifiers unless the set is keyed by known identifiers, and they only
// carry custom attributes when the backend has an attribute mapping
// configured.
func NewDirectory(set userinfo.FixtureSet) *Directory {
	records := make([]userinfo.Record, 0, len(set.Users))
	for _, user := range set.Users {
		username := user.Username
		if username == "" {
			username = user.Lookup
		}

		id := user.ID
		if id == "" {
			if set.QueryByID {
				id = user.Lookup
			} else {
				id = uuid.NewString()
			}
		}

		attrs := map[string]userinfo.AttributeValue{}
		if set.HasCustomAttributes && user.CustomAttributes != nil {
			attrs = user.CustomAttributes
		}

		groups := user.Groups
		if groups == nil {
			groups = []string{}
		}

		records = append(records, userinfo.Record{
			CustomAttributes: attrs,
			Groups:           groups,
			ID:               id,
			Username:         username,
		})
	}

	return &Directory{
		set:     set,
		records: records,
		roles: []roleAssignment{
			{Username: "admin", RoleAssignments: userinfo.AdminRoleAssignments()},
		},
	}
}

// Backend returns the backend display name used in error records.
func (d *Directory) Backend() string {
	return d.set.Backend
}

// Records lists the provisioned accounts.
func (d *Directory) Records() []userinfo.Record {
	return d.records
}

// Data renders the directory as the base document the policy bundle
// evaluates against.
func (d *Directory) Data() (map[string]interface{}, error) {
	doc := struct {
		Backend         string            `json:"backend"`
		Users           []userinfo.Record `json:"users"`
		RoleAssignments []roleAssignment  `json:"roleAssignments"`
	}{
		Backend:         d.set.Backend,
		Users:           d.records,
		RoleAssignments: d.roles,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render directory data: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to render directory data: %w", err)
	}
	return data, nil
}
