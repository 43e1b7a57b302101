package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Estimate is what the inference provider returns for one piece of evidence:
// a container size (or directly consumed ounces) and what the liquid is.
type Estimate struct {
	CapacityOz float64 `json:"capacity_oz,omitempty"`
	Ounces     float64 `json:"ounces,omitempty"`
	LiquidType string  `json:"liquid_type"`
	Container  string  `json:"container,omitempty"`
	Detected   bool    `json:"detected"`
}

// EstimateRequest carries the evidence to the provider. Exactly one of
// ImageData or Description is set.
type EstimateRequest struct {
	ImageData   string `json:"image_data,omitempty"`
	ImageFormat string `json:"image_format,omitempty"`
	Barcode     string `json:"barcode,omitempty"`
	Description string `json:"description,omitempty"`
}

// Provider is the external inference capability. Implementations must return
// a classified *Error on failure.
type Provider interface {
	Estimate(ctx context.Context, req EstimateRequest) (Estimate, error)
}

// ErrNothingDetected is the provider's terminal "no container or liquid in
// this evidence" signal. Always permanent.
var ErrNothingDetected = errors.New("no container or liquid detected")

const providerMaxRetries = 3

// HTTPProvider posts evidence to a configured inference endpoint. Transient
// failures (network, 5xx) are retried with exponential backoff before being
// reported to the caller.
type HTTPProvider struct {
	URL    string
	APIKey string
	Client *http.Client
}

func NewHTTPProvider(url, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Estimate(ctx context.Context, req EstimateRequest) (Estimate, error) {
	const op = "analysis.Estimate"

	payload, err := json.Marshal(req)
	if err != nil {
		return Estimate{}, Permanent(fmt.Errorf("%s: marshal request: %w", op, err))
	}

	var lastErr error
	for attempt := 0; attempt < providerMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Estimate{}, Transient(ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		est, err := p.once(ctx, payload)
		if err == nil {
			if !est.Detected {
				return Estimate{}, Permanent(fmt.Errorf("%s: %w", op, ErrNothingDetected))
			}
			return est, nil
		}
		if IsPermanent(err) {
			return Estimate{}, err
		}
		lastErr = err
	}
	return Estimate{}, Transient(fmt.Errorf("%s: %d attempts failed: %w", op, providerMaxRetries, lastErr))
}

func (p *HTTPProvider) once(ctx context.Context, payload []byte) (Estimate, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return Estimate{}, Permanent(fmt.Errorf("create provider request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return Estimate{}, Transient(fmt.Errorf("execute provider request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Estimate{}, Transient(fmt.Errorf("read provider response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Estimate{}, Transient(fmt.Errorf("provider status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return Estimate{}, Permanent(fmt.Errorf("provider status %d: %s", resp.StatusCode, body))
	}

	var est Estimate
	if err := json.Unmarshal(body, &est); err != nil {
		return Estimate{}, Transient(fmt.Errorf("decode provider response: %w", err))
	}
	return est, nil
}

// backoff grows exponentially from one second, capped at 30s.
func backoff(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt-1))
	if seconds > 30 {
		seconds = 30
	}
	return time.Duration(seconds * float64(time.Second))
}
