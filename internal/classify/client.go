// Package classify wraps the ML classification service. The service is a
// black box: one blocking call in, a label and a confidence out.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is the service's verdict for one image.
type Result struct {
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Predictions  map[string]float64 `json:"predictions,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
}

// Classifier is the RPC boundary. HTTPClassifier is the production
// implementation; tests substitute fakes.
type Classifier interface {
	Classify(ctx context.Context, imageB64 string) (*Result, error)
}

// HTTPClassifier calls the classification service over HTTP JSON.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

var _ Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier builds a client with the given request timeout
// (default 30 s — inference on a cold model is slow).
func NewHTTPClassifier(url string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClassifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClassifier) Classify(ctx context.Context, imageB64 string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"image": imageB64})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classification service returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode classification response: %w", err)
	}
	return &result, nil
}
