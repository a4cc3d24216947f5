// Package logcheck verifies that policy decision events flow through the
// log pipeline into the vector aggregator.
package logcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsverify/opacheck/pkg/backoff"
)

// InvalidEventsTransform drops malformed decision events. Its sent-events
// counter must stay at zero; every other transform must have shipped at
// least one event.
const InvalidEventsTransform = "filteredInvalidEvents"

const transformsQuery = `{
	transforms(first:100) {
		nodes {
			componentId
			metrics {
				sentEventsTotal {
					sentEventsTotal
				}
			}
		}
	}
}`

// Config holds the endpoints and retry bounds for a pipeline check.
type Config struct {
	// TriggerURL is a data API rule URL; querying it makes the policy
	// service emit one decision event.
	TriggerURL string

	// AggregatorURL is the vector aggregator's GraphQL endpoint.
	AggregatorURL string

	// Retry bounds the polling for event propagation. Zero values fall
	// back to the defaults.
	Retry backoff.Config

	// Timeout bounds each HTTP request.
	Timeout time.Duration
}

// Checker verifies event propagation through the log pipeline.
type Checker struct {
	cfg    Config
	client *http.Client
}

// New creates a checker from cfg.
func New(cfg Config) *Checker {
	if cfg.Retry == (backoff.Config{}) {
		cfg.Retry = backoff.DefaultConfig()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Checker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Check triggers one decision event, then polls the aggregator until every
// transform reports sent events. Propagation is asynchronous, so transform
// counters are re-read with growing delays until the retry bounds run out.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.trigger(ctx); err != nil {
		return err
	}
	return backoff.Retry(ctx, c.cfg.Retry, c.checkTransforms)
}

// trigger queries a policy rule so the service emits a decision event.
func (c *Checker) trigger(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TriggerURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the policy service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("policy service returned status %d, cannot generate a decision event", resp.StatusCode)
	}

	log.Debug().Str("url", c.cfg.TriggerURL).Msg("decision event generated")
	return nil
}

type transformNode struct {
	ComponentID string `json:"componentId"`
	Metrics     struct {
		SentEventsTotal *struct {
			SentEventsTotal float64 `json:"sentEventsTotal"`
		} `json:"sentEventsTotal"`
	} `json:"metrics"`
}

type transformsResponse struct {
	Data struct {
		Transforms struct {
			Nodes []transformNode `json:"nodes"`
		} `json:"transforms"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// checkTransforms reads the sent-events counters of every transform through
// the aggregator's GraphQL API.
func (c *Checker) checkTransforms(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"query": transformsQuery})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AggregatorURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the aggregator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("aggregator returned status %d", resp.StatusCode)
	}

	var result transformsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode aggregator response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("aggregator query failed: %s", result.Errors[0].Message)
	}

	nodes := result.Data.Transforms.Nodes
	if len(nodes) == 0 {
		return fmt.Errorf("aggregator reports no transforms yet")
	}

	for _, node := range nodes {
		sent := node.Metrics.SentEventsTotal

		if node.ComponentID == InvalidEventsTransform {
			if sent != nil && sent.SentEventsTotal != 0 {
				return fmt.Errorf("invalid log events were sent, %q reports %v", node.ComponentID, sent.SentEventsTotal)
			}
			continue
		}

		if sent == nil || sent.SentEventsTotal <= 0 {
			return fmt.Errorf("no events were sent in %q", node.ComponentID)
		}
	}

	log.Info().Int("transforms", len(nodes)).Msg("log events propagated through the pipeline")
	return nil
}
