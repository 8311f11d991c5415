package gasprice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Source reports the current fast gas price in gwei.
type Source interface {
	Name() string
	FetchGwei(ctx context.Context) (float64, error)
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource reads a numeric field out of a JSON gas price feed.
type HTTPSource struct {
	name    string
	url     string
	field   []string
	divisor float64
	client  HTTPDoer
}

// NewHTTPSource builds a source for url. Field is a dotted path into the JSON document and
// the value found there is divided by divisor to get gwei. A nil client gets a 10s default.
func NewHTTPSource(name, url, field string, divisor float64, client HTTPDoer) *HTTPSource {
	if divisor == 0 {
		divisor = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		name:    name,
		url:     url,
		field:   strings.Split(field, "."),
		divisor: divisor,
		client:  client,
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) FetchGwei(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%s returned status %d", s.url, resp.StatusCode)
	}

	var doc any
	decoder := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w", err)
	}

	value, err := lookupNumber(doc, s.field)
	if err != nil {
		return 0, err
	}

	gwei := value / s.divisor
	if err := checkPrice(gwei); err != nil {
		return 0, err
	}
	return gwei, nil
}

func lookupNumber(doc any, path []string) (float64, error) {
	current := doc
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("field %q not found", strings.Join(path, "."))
		}
		if current, ok = object[key]; !ok {
			return 0, fmt.Errorf("field %q not found", strings.Join(path, "."))
		}
	}

	switch v := current.(type) {
	case json.Number:
		return v.Float64()
	case string:
		// Some feeds quote their numbers.
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("field %q is not numeric", strings.Join(path, "."))
	}
}

func checkPrice(gwei float64) error {
	if math.IsNaN(gwei) || math.IsInf(gwei, 0) || gwei <= 0 {
		return fmt.Errorf("malformed gas price %v", gwei)
	}
	return nil
}

type GasPriceSuggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NodeSource asks the ledger node for its eth_gasPrice suggestion.
type NodeSource struct {
	node GasPriceSuggester
}

func NewNodeSource(node GasPriceSuggester) *NodeSource {
	return &NodeSource{node: node}
}

func (s *NodeSource) Name() string { return "node" }

func (s *NodeSource) FetchGwei(ctx context.Context) (float64, error) {
	wei, err := s.node.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get node gas price: %w", err)
	}
	gwei, _ := WeiToGwei(wei).Float64()
	if err := checkPrice(gwei); err != nil {
		return 0, err
	}
	return gwei, nil
}
