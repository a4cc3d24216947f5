package userinfo

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Fixture is the expected identity record for one provisioned user. Lookup
// is the key value sent in the query. Username and ID are asserted against
// the returned record only when set; directory backends may resolve several
// login names to one account, so the returned username is not always the
// lookup key.
type Fixture struct {
	Lookup           string                    `yaml:"lookup"`
	ID               string                    `yaml:"id,omitempty"`
	Username         string                    `yaml:"username,omitempty"`
	Groups           []string                  `yaml:"groups"`
	CustomAttributes map[string]AttributeValue `yaml:"customAttributes,omitempty"`
}

// FixtureSet describes the users provisioned in one identity backend and
// how they are queried.
type FixtureSet struct {
	// Backend is the display name the policy service uses in error
	// records, for example "OpenLDAP".
	Backend string `yaml:"backend"`

	// QueryByID selects identifier-keyed lookups instead of
	// username-keyed ones. Identifier-keyed sets skip the reverse lookup
	// and the not-found probes.
	QueryByID bool `yaml:"queryById,omitempty"`

	// HasCustomAttributes reports whether the backend has a custom
	// attribute mapping configured. Without one, every record must carry
	// an empty attribute mapping no matter what the fixtures hold.
	HasCustomAttributes bool `yaml:"hasCustomAttributes,omitempty"`

	Users []Fixture `yaml:"users"`
}

// expectedAttributes returns the attribute mapping a lookup should report
// for f.
func (s FixtureSet) expectedAttributes(f Fixture) map[string]AttributeValue {
	if !s.HasCustomAttributes {
		return map[string]AttributeValue{}
	}
	return f.CustomAttributes
}

// NotFoundByUsername returns the error record the policy service emits for
// an unknown username.
func (s FixtureSet) NotFoundByUsername(username string) ErrorRecord {
	return ErrorRecord{
		Message: fmt.Sprintf("failed to get user information from %s", s.Backend),
		Causes:  []string{fmt.Sprintf("unable to find user with username %q", username)},
	}
}

// NotFoundByID returns the error record the policy service emits for an
// unknown identifier.
func (s FixtureSet) NotFoundByID(id string) ErrorRecord {
	return ErrorRecord{
		Message: fmt.Sprintf("failed to get user information from %s", s.Backend),
		Causes:  []string{fmt.Sprintf("unable to find user with id %q", id)},
	}
}

// Probe values for the not-found paths. The identifier is all zeroes so it
// can never collide with a generated one.
const (
	UnknownUsername = "nonexistent"
	ZeroID          = "00000000-0000-0000-0000-000000000000"
)

var builtinSets = map[string]FixtureSet{
	"groupofnames-tls": {
		Backend:             "OpenLDAP",
		HasCustomAttributes: true,
		Users:               groupOfNamesUsers(),
	},
	"groupofnames-notls": {
		Backend: "OpenLDAP",
		Users:   groupOfNamesUsers(),
	},
	"posixgroup-tls": {
		Backend: "OpenLDAP",
		Users: []Fixture{
			{
				Lookup:   "alice",
				Username: "alice",
				Groups:   []string{"posix-admins", "posix-developers"},
			},
			{
				Lookup:   "bob",
				Username: "bob",
				Groups:   []string{"posix-developers"},
			},
		},
	},
	"active-directory": {
		Backend: "Active Directory",
		Users: []Fixture{
			{
				Lookup: "alice@sble.test",
				Groups: []string{
					"CN=Superset Admins,CN=Users,DC=sble,DC=test",
					"CN=Domain Users,CN=Users,DC=sble,DC=test",
					"CN=Users,CN=Builtin,DC=sble,DC=test",
				},
			},
			{
				Lookup: "sam-alice",
				Groups: []string{
					"CN=Superset Admins,CN=Users,DC=sble,DC=test",
					"CN=Domain Users,CN=Users,DC=sble,DC=test",
					"CN=Users,CN=Builtin,DC=sble,DC=test",
				},
			},
			{
				Lookup: "bob@sble.test",
				Groups: []string{
					"CN=Domain Users,CN=Users,DC=sble,DC=test",
					"CN=Users,CN=Builtin,DC=sble,DC=test",
				},
			},
		},
	},
	"attribute-service": {
		Backend:             "Attribute Service",
		QueryByID:           true,
		HasCustomAttributes: true,
		Users: []Fixture{
			{
				Lookup: "alice",
				CustomAttributes: map[string]AttributeValue{
					"e-mail":  String("alice@example.com"),
					"company": String("openid"),
				},
			},
			{
				Lookup: "bob",
				CustomAttributes: map[string]AttributeValue{
					"e-mail":  String("bob@example.com"),
					"company": String("openid"),
				},
			},
		},
	},
}

func groupOfNamesUsers() []Fixture {
	return []Fixture{
		{
			Lookup:   "alice",
			Username: "alice",
			Groups:   []string{"admins", "developers", "readers"},
			CustomAttributes: map[string]AttributeValue{
				"displayName": Strings("User1", "alice"),
				"hdir":        Strings("/home/alice"),
				"surname":     Strings("Bar1"),
			},
		},
		{
			Lookup:   "bob",
			Username: "bob",
			Groups:   []string{"developers", "readers"},
			CustomAttributes: map[string]AttributeValue{
				"displayName": Strings("User2", "bob"),
				"hdir":        Strings("/home/bob"),
				"surname":     Strings("Bar2"),
			},
		},
	}
}

// BuiltinSet returns the fixture set for a named test type.
func BuiltinSet(testType string) (FixtureSet, error) {
	set, ok := builtinSets[testType]
	if !ok {
		return FixtureSet{}, fmt.Errorf("unknown test type %q, choose one of %v", testType, TestTypes())
	}
	return set, nil
}

// TestTypes lists the built-in fixture set names.
func TestTypes() []string {
	names := make([]string, 0, len(builtinSets))
	for name := range builtinSets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdminRoleAssignments returns the role view the master realm reports for
// the bootstrap admin user.
func AdminRoleAssignments() RoleAssignments {
	return RoleAssignments{
		CustomAttributes: map[string]AttributeValue{},
		Groups:           []NamedRef{},
		Roles: []NamedRef{
			{Name: "admin"},
			{Name: "create-realm"},
			{Name: "default-roles-master"},
			{Name: "offline_access"},
			{Name: "uma_authorization"},
		},
	}
}

// LoadFixtureSet reads a fixture set from a YAML file.
func LoadFixtureSet(path string) (FixtureSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FixtureSet{}, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var set FixtureSet
	if err := yaml.Unmarshal(raw, &set); err != nil {
		return FixtureSet{}, fmt.Errorf("failed to parse fixture file %s: %w", path, err)
	}

	if set.Backend == "" {
		return FixtureSet{}, fmt.Errorf("fixture file %s has no backend name", path)
	}
	if len(set.Users) == 0 {
		return FixtureSet{}, fmt.Errorf("fixture file %s has no users", path)
	}
	for i, user := range set.Users {
		if user.Lookup == "" {
			return FixtureSet{}, fmt.Errorf("fixture file %s: user %d has no lookup key", path, i)
		}
	}

	return set, nil
}
