package adjudicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Napageneral/rolodex/internal/cluster"
)

// HTTP posts the request JSON to a decision service and reads back the
// response JSON unchanged.
type HTTP struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTP returns an HTTP adjudicator for url.
func NewHTTP(url, apiKey string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTP{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: &http.Client{Timeout: timeout},
	}
}

// Adjudicate implements Adjudicator.
func (h *HTTP) Adjudicate(ctx context.Context, clusters []cluster.Cluster) ([]Verdict, error) {
	if h.url == "" {
		return nil, errors.New("http adjudicator: url required")
	}
	body, err := json.Marshal(NewRequest(clusters))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Merges, nil
}
