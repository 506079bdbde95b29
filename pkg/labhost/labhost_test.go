package labhost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportTopologyReturnsLabID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/labs", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(importResponse{LabID: "lab-123"})
	}))
	defer server.Close()

	c := NewHTTPClient(0)
	labID, err := c.ImportTopology(context.Background(), server.URL, []byte("topology: {}"))
	require.NoError(t, err)
	assert.Equal(t, "lab-123", labID)
}

func TestStartStopWipeDeleteLab(t *testing.T) {
	var gotPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewHTTPClient(0)
	require.NoError(t, c.StartLab(context.Background(), server.URL, "lab-1"))
	require.NoError(t, c.StopLab(context.Background(), server.URL, "lab-1"))
	require.NoError(t, c.WipeLab(context.Background(), server.URL, "lab-1"))
	require.NoError(t, c.DeleteLab(context.Background(), server.URL, "lab-1"))

	assert.Equal(t, []string{
		"PUT /labs/lab-1/start",
		"PUT /labs/lab-1/stop",
		"PUT /labs/lab-1/wipe",
		"DELETE /labs/lab-1",
	}, gotPaths)
}

func TestServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewHTTPClient(0)
	err := c.StartLab(context.Background(), server.URL, "lab-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.ExternalTransient))
}

func TestClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewHTTPClient(0)
	err := c.StartLab(context.Background(), server.URL, "lab-1")
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.ExternalPermanent))
}

func TestHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewHTTPClient(0)
	assert.True(t, c.Healthy(context.Background(), server.URL))
}

func TestUnhealthy(t *testing.T) {
	c := NewHTTPClient(0)
	assert.False(t, c.Healthy(context.Background(), "http://127.0.0.1:1"))
}
