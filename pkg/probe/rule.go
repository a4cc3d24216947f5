package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsverify/opacheck/pkg/opaclient"
)

// DefaultRule is the boolean the baseline policy must report true.
const DefaultRule = "hello"

// BaselineRule checks that a deployed baseline policy is loaded and
// evaluates, by posting an empty input document and reading one boolean
// back.
type BaselineRule struct {
	client *opaclient.Client
	path   string
	rule   string
}

// NewBaselineRule creates a probe for a full data API URL, for example
// https://host:8443/v1/data/test. The CA file is only used when the URL
// scheme is encrypted.
func NewBaselineRule(dataURL, caFile, rule string) (*BaselineRule, error) {
	base, path, err := opaclient.SplitDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	client, err := opaclient.NewClient(base,
		opaclient.WithStrictBuiltinErrors(),
		opaclient.WithCAFile(caFile),
	)
	if err != nil {
		return nil, err
	}

	if rule == "" {
		rule = DefaultRule
	}

	return &BaselineRule{client: client, path: path, rule: rule}, nil
}

// Run posts an empty input and requires the rule to be true.
func (r *BaselineRule) Run(ctx context.Context) error {
	res, err := r.client.Query(ctx, r.path, map[string]interface{}{})
	if err != nil {
		return err
	}
	if res.Result == nil {
		return fmt.Errorf("document %s is undefined", r.path)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(res.Result, &doc); err != nil {
		return fmt.Errorf("failed to decode result document: %w", err)
	}

	raw, ok := doc[r.rule]
	if !ok {
		return fmt.Errorf("rule %q missing from document %s", r.rule, r.path)
	}

	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("rule %q is not a boolean: %s", r.rule, raw)
	}
	if !value {
		return fmt.Errorf("rule %q is false, want true", r.rule)
	}

	log.Info().Str("path", r.path).Str("rule", r.rule).Msg("baseline rule evaluated true")
	return nil
}
