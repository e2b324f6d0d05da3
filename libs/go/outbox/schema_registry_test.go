package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryClientReturnsExistingSubject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/subjects/harvest.record_changed-value/versions/latest", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": 17}`))
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "harvest.record_changed-value", "{}")
	require.NoError(t, err)
	require.Equal(t, 17, id)
}

func TestSchemaRegistryClientRegistersMissingSubject(t *testing.T) {
	var registered map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPost:
			require.Equal(t, "application/vnd.schemaregistry.v1+json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
			_, _ = w.Write([]byte(`{"id": 3}`))
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", `{"type":"object"}`)
	require.NoError(t, err)
	require.Equal(t, 3, id)
	require.Equal(t, "JSON", registered["schemaType"])
	require.Equal(t, `{"type":"object"}`, registered["schema"])
}

func TestSchemaRegistryClientSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	require.ErrorContains(t, err, "status 503")
}

func TestStaticRegistryAssignsStableIDs(t *testing.T) {
	r := NewStaticRegistry()
	a, _ := r.EnsureSchema(context.Background(), "a", "")
	b, _ := r.EnsureSchema(context.Background(), "b", "")
	again, _ := r.EnsureSchema(context.Background(), "a", "")
	require.Equal(t, 1, a)
	require.Equal(t, 2, b)
	require.Equal(t, a, again)
}

func TestNewRegistrarFallsBackToStatic(t *testing.T) {
	require.IsType(t, &StaticRegistry{}, NewRegistrar(""))
	require.IsType(t, &SchemaRegistryClient{}, NewRegistrar("http://registry:8081"))
}
