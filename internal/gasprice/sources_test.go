package gasprice

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveJSON(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPSource_TenthsOfGwei(t *testing.T) {
	server := serveJSON(t, http.StatusOK, `{"fast": 450, "average": 300}`)
	source := NewHTTPSource("ethgasstation", server.URL, "fast", 10, server.Client())

	gwei, err := source.FetchGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45.0, gwei)
	assert.Equal(t, "ethgasstation", source.Name())
}

func TestHTTPSource_NestedAndQuotedField(t *testing.T) {
	server := serveJSON(t, http.StatusOK, `{"data": {"fast": "37.25"}}`)
	source := NewHTTPSource("etherchain", server.URL, "data.fast", 1, nil)

	gwei, err := source.FetchGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 37.25, gwei)
}

func TestHTTPSource_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusServiceUnavailable, `{"fast": 10}`},
		{"missing field", http.StatusOK, `{"slow": 10}`},
		{"not numeric", http.StatusOK, `{"fast": true}`},
		{"not an object", http.StatusOK, `[1,2,3]`},
		{"zero", http.StatusOK, `{"fast": 0}`},
		{"negative", http.StatusOK, `{"fast": -1}`},
		{"invalid json", http.StatusOK, `{"fast":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := serveJSON(t, tt.status, tt.body)
			source := NewHTTPSource("feed", server.URL, "fast", 1, server.Client())

			_, err := source.FetchGwei(context.Background())
			assert.Error(t, err)
		})
	}
}

type fakeSuggester struct {
	price *big.Int
	err   error
}

func (f fakeSuggester) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.price, f.err
}

func TestNodeSource(t *testing.T) {
	gwei, err := NewNodeSource(fakeSuggester{price: big.NewInt(25_000_000_000)}).FetchGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25.0, gwei)

	_, err = NewNodeSource(fakeSuggester{err: errors.New("rpc down")}).FetchGwei(context.Background())
	assert.Error(t, err)

	_, err = NewNodeSource(fakeSuggester{price: big.NewInt(0)}).FetchGwei(context.Background())
	assert.Error(t, err)
}
