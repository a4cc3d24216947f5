package opaclient

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPolicyServer creates a policy service stub that answers data API
// queries with predetermined documents keyed by URL path
func newMockPolicyServer(responses map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if response, ok := responses[r.URL.Path]; ok {
			json.NewEncoder(w).Encode(response)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
}

// TestClientQuery tests data API queries against a mock policy service
func TestClientQuery(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		input      interface{}
		response   interface{}
		wantResult string
	}{
		{
			name:       "boolean rule document",
			path:       "test",
			input:      map[string]interface{}{},
			response:   map[string]interface{}{"result": map[string]interface{}{"hello": true}},
			wantResult: `{"hello":true}`,
		},
		{
			name:  "user info document",
			path:  "userinfo",
			input: map[string]interface{}{"username": "alice"},
			response: map[string]interface{}{
				"result": map[string]interface{}{
					"currentUserInfoByUsername": map[string]interface{}{"username": "alice"},
				},
			},
			wantResult: `{"currentUserInfoByUsername":{"username":"alice"}}`,
		},
		{
			name:       "nested rule path",
			path:       "test/hello",
			input:      nil,
			response:   map[string]interface{}{"result": true},
			wantResult: `true`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newMockPolicyServer(map[string]interface{}{
				"/v1/data/" + tt.path: tt.response,
			})
			defer server.Close()

			client, err := NewClient(server.URL)
			require.NoError(t, err)

			result, err := client.Query(context.Background(), tt.path, tt.input)
			require.NoError(t, err)

			assert.Equal(t, http.StatusOK, result.StatusCode)
			assert.JSONEq(t, tt.wantResult, string(result.Result))
			assert.NotEmpty(t, result.Body)
		})
	}
}

// TestClientQueryUndefinedDocument tests that an undefined document yields a nil result
func TestClientQueryUndefinedDocument(t *testing.T) {
	server := newMockPolicyServer(nil)
	defer server.Close()

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	result, err := client.Query(context.Background(), "test/world", map[string]interface{}{})
	require.NoError(t, err)

	assert.Nil(t, result.Result)
	assert.JSONEq(t, `{}`, string(result.Body))
}

// TestClientQueryStrictBuiltinErrors tests that the strict flag adds the query parameter
func TestClientQueryStrictBuiltinErrors(t *testing.T) {
	var gotStrict, gotBody string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStrict = r.URL.Query().Get("strict-builtin-errors")

		body, err := json.Marshal(map[string]interface{}{"received": true})
		require.NoError(t, err)

		var payload QueryInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		raw, err := json.Marshal(payload.Input)
		require.NoError(t, err)
		gotBody = string(raw)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": ` + string(body) + `}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithStrictBuiltinErrors())
	require.NoError(t, err)

	_, err = client.Query(context.Background(), "userinfo", map[string]interface{}{"username": "alice"})
	require.NoError(t, err)

	assert.Equal(t, "true", gotStrict)
	assert.JSONEq(t, `{"username":"alice"}`, gotBody)
}

// TestClientQueryErrors tests error handling in the Query method
func TestClientQueryErrors(t *testing.T) {
	t.Run("unreachable server", func(t *testing.T) {
		client, err := NewClient("http://127.0.0.1:1")
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "test", map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("non-200 response carries the body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code": "invalid_parameter"}`))
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "test", map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy service returned status 400")
		assert.Contains(t, err.Error(), "invalid_parameter")
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "test", map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode response")
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(5 * time.Second)
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err = client.Query(ctx, "test", map[string]interface{}{})
		assert.Error(t, err)
	})
}

// TestClientHealth tests the Health method
func TestClientHealth(t *testing.T) {
	t.Run("healthy service", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)
		assert.NoError(t, client.Health(context.Background()))
	})

	t.Run("unhealthy service", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		err = client.Health(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy service unhealthy")
	})
}

// writeServerCA writes the certificate of a TLS test server to a PEM file
func writeServerCA(t *testing.T, server *httptest.Server) string {
	t.Helper()

	block := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: server.Certificate().Raw,
	})

	path := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(path, block, 0o600))
	return path
}

// TestClientTLS tests certificate verification against a CA file
func TestClientTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": {"hello": true}}`))
	}))
	defer server.Close()

	caFile := writeServerCA(t, server)

	t.Run("trusted CA", func(t *testing.T) {
		client, err := NewClient(server.URL, WithCAFile(caFile))
		require.NoError(t, err)

		result, err := client.Query(context.Background(), "test", map[string]interface{}{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"hello":true}`, string(result.Result))
	})

	t.Run("unknown CA", func(t *testing.T) {
		client, err := NewClient(server.URL)
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "test", map[string]interface{}{})
		assert.Error(t, err)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := NewClient(server.URL, WithCAFile(filepath.Join(t.TempDir(), "missing.crt")))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA file")
	})

	t.Run("CA file ignored for plain http", func(t *testing.T) {
		_, err := NewClient("http://localhost:8181", WithCAFile(filepath.Join(t.TempDir(), "missing.crt")))
		assert.NoError(t, err)
	})
}

// TestSplitDataURL tests splitting full data API URLs into base and path
func TestSplitDataURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantBase string
		wantPath string
		wantErr  bool
	}{
		{
			name:     "https with port and rule package",
			raw:      "https://test-opa-server.default.svc.cluster.local:8443/v1/data/test",
			wantBase: "https://test-opa-server.default.svc.cluster.local:8443",
			wantPath: "test",
		},
		{
			name:     "nested rule path",
			raw:      "http://localhost:8181/v1/data/test/hello",
			wantBase: "http://localhost:8181",
			wantPath: "test/hello",
		},
		{
			name:     "whole data document",
			raw:      "http://localhost:8181/v1/data",
			wantBase: "http://localhost:8181",
			wantPath: "",
		},
		{
			name:     "query parameters are dropped",
			raw:      "http://localhost:8181/v1/data/userinfo?strict-builtin-errors=true",
			wantBase: "http://localhost:8181",
			wantPath: "userinfo",
		},
		{
			name:    "not a data API URL",
			raw:     "http://localhost:8181/metrics",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, path, err := SplitDataURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

// TestNewHTTPClient tests the CA-aware HTTP client constructor
func TestNewHTTPClient(t *testing.T) {
	t.Run("plain client", func(t *testing.T) {
		client, err := NewHTTPClient("", 10*time.Second)
		require.NoError(t, err)
		assert.Nil(t, client.Transport)
		assert.Equal(t, 10*time.Second, client.Timeout)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := NewHTTPClient(filepath.Join(t.TempDir(), "missing.crt"), time.Second)
		assert.Error(t, err)
	})

	t.Run("valid CA file", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		client, err := NewHTTPClient(writeServerCA(t, server), time.Second)
		require.NoError(t, err)
		require.NotNil(t, client.Transport)

		pool := client.Transport.(*http.Transport).TLSClientConfig.RootCAs
		assert.NotNil(t, pool)
	})
}

// TestLoadCertPool tests PEM bundle loading
func TestLoadCertPool(t *testing.T) {
	t.Run("garbage PEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.crt")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		_, err := LoadCertPool(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no certificates found")
	})

	t.Run("valid bundle", func(t *testing.T) {
		server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		pool, err := LoadCertPool(writeServerCA(t, server))
		require.NoError(t, err)
		assert.IsType(t, &x509.CertPool{}, pool)
	})
}
