package userinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/opsverify/opacheck/pkg/opaclient"
)

// Result document attributes wrapping the identity record, one per query
// key.
const (
	attrByUsername = "currentUserInfoByUsername"
	attrByID       = "currentUserInfoById"
)

// Verifier checks the identity records a policy service resolves against a
// fixture set.
type Verifier struct {
	client *opaclient.Client
	path   string
	set    FixtureSet
}

// NewVerifier creates a verifier that queries the given data path.
func NewVerifier(client *opaclient.Client, path string, set FixtureSet) *Verifier {
	return &Verifier{client: client, path: path, set: set}
}

// Set returns the fixture set under verification.
func (v *Verifier) Set() FixtureSet {
	return v.set
}

// lookup is one query result together with the request and response bodies
// that produced it, kept for failure diagnostics.
type lookup struct {
	raw      json.RawMessage
	request  []byte
	response []byte
}

// fail logs the offending request and response bodies and wraps err with
// them so the caller sees the full exchange.
func (l *lookup) fail(err error) error {
	log.Error().
		Err(err).
		RawJSON("request_body", l.request).
		RawJSON("response_body", l.response).
		Msg("user info check failed")
	return fmt.Errorf("%w (request body: %s, response body: %s)", err, l.request, l.response)
}

// attribute narrows the result document to one of its attributes.
func (l *lookup) attribute(name string) (*lookup, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(l.raw, &doc); err != nil {
		return nil, l.fail(fmt.Errorf("failed to decode result document: %w", err))
	}

	raw, ok := doc[name]
	if !ok {
		return nil, l.fail(fmt.Errorf("result has no %s attribute", name))
	}

	return &lookup{raw: raw, request: l.request, response: l.response}, nil
}

// query issues one identity query, requiring a defined result document.
func (v *Verifier) query(ctx context.Context, key, value string) (*lookup, error) {
	input := map[string]string{key: value}
	request, err := json.Marshal(opaclient.QueryInput{Input: input})
	if err != nil {
		return nil, err
	}

	res, err := v.client.Query(ctx, v.path, input)
	if err != nil {
		return nil, fmt.Errorf("query by %s %q failed: %w", key, value, err)
	}

	l := &lookup{raw: res.Result, request: request, response: res.Body}
	if res.Result == nil {
		return nil, l.fail(fmt.Errorf("response has no result document"))
	}

	return l, nil
}

func (v *Verifier) fetchRecord(ctx context.Context, attr, key, value string) (*lookup, error) {
	l, err := v.query(ctx, key, value)
	if err != nil {
		return nil, err
	}
	return l.attribute(attr)
}

var recordKeys = []string{"customAttributes", "groups", "id", "username"}

// parseRecord decodes an identity record, first detecting the error-record
// shape and then requiring exactly the four identity fields.
func parseRecord(raw json.RawMessage) (*Record, *ErrorRecord, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, nil, fmt.Errorf("failed to decode identity record: %w", err)
	}

	if errRaw, ok := keys["error"]; ok {
		var errRec ErrorRecord
		if err := json.Unmarshal(errRaw, &errRec); err != nil {
			return nil, nil, fmt.Errorf("failed to decode error record: %w", err)
		}
		return nil, &errRec, nil
	}

	if err := requireKeys(keys, recordKeys); err != nil {
		return nil, nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to decode identity record: %w", err)
	}
	return &rec, nil, nil
}

// requireKeys rejects documents with missing or extra fields. want must be
// sorted.
func requireKeys(doc map[string]json.RawMessage, want []string) error {
	got := make([]string, 0, len(doc))
	for key := range doc {
		got = append(got, key)
	}
	sort.Strings(got)

	mismatch := len(got) != len(want)
	if !mismatch {
		for i := range want {
			if got[i] != want[i] {
				mismatch = true
				break
			}
		}
	}
	if mismatch {
		return fmt.Errorf("record has keys %v, want %v", got, want)
	}
	return nil
}

// compare checks a returned record against a fixture. Username and ID are
// only asserted when the fixture sets them; groups compare order
// independently and attributes structurally.
func (v *Verifier) compare(got Record, want Fixture) error {
	if want.ID != "" && got.ID != want.ID {
		return fmt.Errorf("id is %q, want %q", got.ID, want.ID)
	}
	if want.Username != "" && got.Username != want.Username {
		return fmt.Errorf("username is %q, want %q", got.Username, want.Username)
	}
	if !equalGroups(got.Groups, want.Groups) {
		return fmt.Errorf("groups are %v, want %v", sortedCopy(got.Groups), sortedCopy(want.Groups))
	}

	attrs := v.set.expectedAttributes(want)
	if !equalAttributes(got.CustomAttributes, attrs) {
		return fmt.Errorf("custom attributes are %s, want %s", attrJSON(got.CustomAttributes), attrJSON(attrs))
	}
	return nil
}

func attrJSON(attrs map[string]AttributeValue) string {
	if attrs == nil {
		attrs = map[string]AttributeValue{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Sprintf("%v", attrs)
	}
	return string(raw)
}

// VerifyUser checks the record returned for one username-keyed fixture,
// then repeats the lookup by the returned identifier and requires both
// records to agree in every field.
func (v *Verifier) VerifyUser(ctx context.Context, want Fixture) error {
	byName, err := v.fetchRecord(ctx, attrByUsername, "username", want.Lookup)
	if err != nil {
		return err
	}

	named, errRec, err := parseRecord(byName.raw)
	if err != nil {
		return byName.fail(err)
	}
	if errRec != nil {
		return byName.fail(fmt.Errorf("lookup for username %q failed: %s", want.Lookup, errRec.Message))
	}
	if err := v.compare(*named, want); err != nil {
		return byName.fail(err)
	}

	log.Debug().
		Str("username", want.Lookup).
		Str("id", named.ID).
		Str("backend", v.set.Backend).
		Msg("username lookup verified")

	byID, err := v.fetchRecord(ctx, attrByID, "id", named.ID)
	if err != nil {
		return err
	}

	resolved, errRec, err := parseRecord(byID.raw)
	if err != nil {
		return byID.fail(err)
	}
	if errRec != nil {
		return byID.fail(fmt.Errorf("reverse lookup for id %q failed: %s", named.ID, errRec.Message))
	}
	if err := v.compare(*resolved, want); err != nil {
		return byID.fail(err)
	}
	if !named.Equal(*resolved) {
		return byID.fail(fmt.Errorf("records for username %q and id %q disagree", want.Lookup, named.ID))
	}

	return nil
}

// VerifyUserByID checks the record for a user provisioned under a known
// identifier.
func (v *Verifier) VerifyUserByID(ctx context.Context, want Fixture) error {
	l, err := v.fetchRecord(ctx, attrByID, "id", want.Lookup)
	if err != nil {
		return err
	}

	rec, errRec, err := parseRecord(l.raw)
	if err != nil {
		return l.fail(err)
	}
	if errRec != nil {
		return l.fail(fmt.Errorf("lookup for id %q failed: %s", want.Lookup, errRec.Message))
	}
	if err := v.compare(*rec, want); err != nil {
		return l.fail(err)
	}

	return nil
}

// VerifyUsernameNotFound checks that an unknown username yields the
// backend's structured error record.
func (v *Verifier) VerifyUsernameNotFound(ctx context.Context, username string) error {
	l, err := v.fetchRecord(ctx, attrByUsername, "username", username)
	if err != nil {
		return err
	}
	return v.checkNotFound(l, username, v.set.NotFoundByUsername(username))
}

// VerifyIDNotFound checks that an unknown identifier yields the backend's
// structured error record.
func (v *Verifier) VerifyIDNotFound(ctx context.Context, id string) error {
	l, err := v.fetchRecord(ctx, attrByID, "id", id)
	if err != nil {
		return err
	}
	return v.checkNotFound(l, id, v.set.NotFoundByID(id))
}

func (v *Verifier) checkNotFound(l *lookup, value string, want ErrorRecord) error {
	_, errRec, err := parseRecord(l.raw)
	if err != nil {
		return l.fail(err)
	}
	if errRec == nil {
		return l.fail(fmt.Errorf("expected an error record for %q, got an identity record", value))
	}
	if errRec.Message != want.Message {
		return l.fail(fmt.Errorf("error message is %q, want %q", errRec.Message, want.Message))
	}
	if len(errRec.Causes) == 0 {
		return l.fail(fmt.Errorf("error record for %q has no causes", value))
	}
	if errRec.Causes[0] != want.Causes[0] {
		return l.fail(fmt.Errorf("error cause is %q, want %q", errRec.Causes[0], want.Causes[0]))
	}
	return nil
}

var roleKeys = []string{"customAttributes", "groups", "roles"}

// VerifyRoleAssignments checks the role view resolved for one username. The
// whole result document is compared, so stray fields fail the check.
func (v *Verifier) VerifyRoleAssignments(ctx context.Context, username string, want RoleAssignments) error {
	l, err := v.query(ctx, "username", username)
	if err != nil {
		return err
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(l.raw, &keys); err != nil {
		return l.fail(fmt.Errorf("failed to decode result document: %w", err))
	}
	if err := requireKeys(keys, roleKeys); err != nil {
		return l.fail(err)
	}

	var got RoleAssignments
	if err := json.Unmarshal(l.raw, &got); err != nil {
		return l.fail(fmt.Errorf("failed to decode role assignments: %w", err))
	}

	if !got.Equal(want) {
		gotRaw, _ := json.Marshal(got)
		wantRaw, _ := json.Marshal(want)
		return l.fail(fmt.Errorf("role assignments are %s, want %s", gotRaw, wantRaw))
	}

	log.Debug().Str("username", username).Msg("role assignments verified")
	return nil
}

// VerifySet runs the full check for every user in the fixture set, then
// probes the not-found paths for backends queried by username. The first
// failure aborts the run.
func (v *Verifier) VerifySet(ctx context.Context) error {
	for _, user := range v.set.Users {
		if v.set.QueryByID {
			if err := v.VerifyUserByID(ctx, user); err != nil {
				return err
			}
		} else {
			if err := v.VerifyUser(ctx, user); err != nil {
				return err
			}
		}

		log.Info().
			Str("lookup", user.Lookup).
			Str("backend", v.set.Backend).
			Msg("user info verified")
	}

	if v.set.QueryByID {
		return nil
	}

	if err := v.VerifyUsernameNotFound(ctx, UnknownUsername); err != nil {
		return err
	}
	if err := v.VerifyIDNotFound(ctx, ZeroID); err != nil {
		return err
	}

	log.Info().Str("backend", v.set.Backend).Msg("not-found checks verified")
	return nil
}
