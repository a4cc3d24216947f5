// Package probe holds the smoke checks run against a deployed policy
// service: the metrics endpoint and the baseline rule.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"

	"github.com/opsverify/opacheck/pkg/opaclient"
)

// DefaultMetricSubstring is the bundle-load counter every healthy policy
// service exposes once its bundle is active.
const DefaultMetricSubstring = "bundle_loaded_counter"

const metricsTimeout = 10 * time.Second

// MetricsProbe checks a metrics endpoint for a named counter.
type MetricsProbe struct {
	url       string
	substring string
	client    *http.Client
}

// NewMetricsProbe creates a probe for the given metrics URL. The CA file is
// only used when the URL scheme is encrypted.
func NewMetricsProbe(rawURL, substring, caFile string) (*MetricsProbe, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid metrics URL %q: %w", rawURL, err)
	}
	if u.Scheme != "https" {
		caFile = ""
	}

	client, err := opaclient.NewHTTPClient(caFile, metricsTimeout)
	if err != nil {
		return nil, err
	}

	if substring == "" {
		substring = DefaultMetricSubstring
	}

	return &MetricsProbe{url: rawURL, substring: substring, client: client}, nil
}

// Run fetches the endpoint and requires the counter's text representation
// to appear in the body.
func (p *MetricsProbe) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read metrics response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics endpoint returned status %d: %s", resp.StatusCode, body)
	}

	if !strings.Contains(string(body), p.substring) {
		if families := familyNames(body); len(families) > 0 {
			return fmt.Errorf("metric %q not found, endpoint exposes %v", p.substring, families)
		}
		return fmt.Errorf("metric %q not found in metrics response", p.substring)
	}

	log.Info().Str("url", p.url).Str("metric", p.substring).Msg("metric found")
	return nil
}

// familyNames parses the exposition text and lists the metric family names
// so a missing counter can be diagnosed.
func familyNames(body []byte) []string {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
