package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureSessionToleratesExistingUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/register":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"code":"CONFLICT"}}`))
		case "/users/login":
			json.NewEncoder(w).Encode(map[string]string{"token": "abc"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tok, err := NewHTTPClient(srv.URL).EnsureSession(context.Background(), "bench", "+62001", "Producer")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)
}

func TestEnsureSessionFailsOnRejectedRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).EnsureSession(context.Background(), "bench", "+62001", "Nobody")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestRegisterBatchSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Rice", body["item_name"])
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"batch_number":"BATCH-000001","status":"registered","quantity":"12.5"}`))
	}))
	defer srv.Close()

	b, err := NewHTTPClient(srv.URL).WithToken("tok").RegisterBatch(context.Background(), decimal.RequireFromString("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "BATCH-000001", b.BatchNumber)
	assert.Equal(t, "12.5", b.Quantity.String())
}
