package probe

import (
	"context"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expositionText = `# HELP bundle_loaded_counter Number of policy bundles loaded.
# TYPE bundle_loaded_counter counter
bundle_loaded_counter{name="test"} 1
# HELP http_request_duration_seconds Duration of HTTP requests.
# TYPE http_request_duration_seconds histogram
http_request_duration_seconds_bucket{le="0.1"} 4
http_request_duration_seconds_sum 0.2
http_request_duration_seconds_count 4
`

const expositionWithoutBundle = `# HELP http_request_duration_seconds Duration of HTTP requests.
# TYPE http_request_duration_seconds histogram
http_request_duration_seconds_bucket{le="0.1"} 4
http_request_duration_seconds_sum 0.2
http_request_duration_seconds_count 4
`

func serveMetrics(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

// TestMetricsProbe tests the substring check against a metrics endpoint
func TestMetricsProbe(t *testing.T) {
	t.Run("counter present", func(t *testing.T) {
		server := serveMetrics(http.StatusOK, expositionText)
		defer server.Close()

		probe, err := NewMetricsProbe(server.URL+"/metrics", "", "")
		require.NoError(t, err)
		assert.NoError(t, probe.Run(context.Background()))
	})

	t.Run("counter missing lists families", func(t *testing.T) {
		server := serveMetrics(http.StatusOK, expositionWithoutBundle)
		defer server.Close()

		probe, err := NewMetricsProbe(server.URL+"/metrics", "", "")
		require.NoError(t, err)

		err = probe.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), `metric "bundle_loaded_counter" not found`)
		assert.Contains(t, err.Error(), "http_request_duration_seconds")
	})

	t.Run("non-200 response", func(t *testing.T) {
		server := serveMetrics(http.StatusServiceUnavailable, "no metrics here")
		defer server.Close()

		probe, err := NewMetricsProbe(server.URL+"/metrics", "", "")
		require.NoError(t, err)

		err = probe.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metrics endpoint returned status 503")
	})

	t.Run("custom substring", func(t *testing.T) {
		server := serveMetrics(http.StatusOK, expositionText)
		defer server.Close()

		probe, err := NewMetricsProbe(server.URL+"/metrics", "http_request_duration_seconds", "")
		require.NoError(t, err)
		assert.NoError(t, probe.Run(context.Background()))
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewMetricsProbe("://bad", "", "")
		assert.Error(t, err)
	})
}

// TestMetricsProbeTLS tests certificate verification for encrypted endpoints
func TestMetricsProbeTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(expositionText))
	}))
	defer server.Close()

	block := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: server.Certificate().Raw,
	})
	caFile := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(caFile, block, 0o600))

	t.Run("trusted CA", func(t *testing.T) {
		probe, err := NewMetricsProbe(server.URL, "", caFile)
		require.NoError(t, err)
		assert.NoError(t, probe.Run(context.Background()))
	})

	t.Run("unknown CA", func(t *testing.T) {
		probe, err := NewMetricsProbe(server.URL, "", "")
		require.NoError(t, err)
		assert.Error(t, probe.Run(context.Background()))
	})

	t.Run("CA file ignored for plain http", func(t *testing.T) {
		plain := serveMetrics(http.StatusOK, expositionText)
		defer plain.Close()

		probe, err := NewMetricsProbe(plain.URL, "", filepath.Join(t.TempDir(), "missing.crt"))
		require.NoError(t, err)
		assert.NoError(t, probe.Run(context.Background()))
	})
}

// TestFamilyNames tests exposition parsing for diagnostics
func TestFamilyNames(t *testing.T) {
	names := familyNames([]byte(expositionText))
	assert.Equal(t, []string{"bundle_loaded_counter", "http_request_duration_seconds"}, names)

	assert.Nil(t, familyNames([]byte("{ this is not exposition text")))
}
