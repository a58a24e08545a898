// Package insight reads maintenance predictions produced by the external insight service.
package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cityflow/internal/domain"
)

// Provider returns the predictions currently published by an insight source.
type Provider interface {
	Predictions(ctx context.Context) ([]domain.MaintenancePrediction, error)
}

// HTTPProvider fetches predictions as JSON from URL.
type HTTPProvider struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

func (p HTTPProvider) Predictions(ctx context.Context) ([]domain.MaintenancePrediction, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch predictions: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("insight provider returned %d", resp.StatusCode)
	}
	return DecodePayload(data)
}

// FileProvider reads predictions from a JSON file.
type FileProvider struct {
	Path string
}

func (p FileProvider) Predictions(context.Context) ([]domain.MaintenancePrediction, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return DecodePayload(data)
}

// DecodePayload accepts {"predictions": [...]} or a bare array and checks each record.
func DecodePayload(data []byte) ([]domain.MaintenancePrediction, error) {
	trimmed := bytes.TrimSpace(data)
	var preds []domain.MaintenancePrediction
	switch {
	case len(trimmed) == 0:
		return nil, domain.ValidationError{Field: "payload", Reason: "empty"}
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &preds); err != nil {
			return nil, domain.ValidationError{Field: "payload", Reason: err.Error()}
		}
	default:
		var env struct {
			Predictions []domain.MaintenancePrediction `json:"predictions"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, domain.ValidationError{Field: "payload", Reason: err.Error()}
		}
		preds = env.Predictions
	}
	for i := range preds {
		preds[i].Urgency = domain.Urgency(strings.ToLower(string(preds[i].Urgency)))
		if err := Check(preds[i]); err != nil {
			return nil, fmt.Errorf("predictions[%d]: %w", i, err)
		}
	}
	return preds, nil
}

// Check validates the fields a prediction must carry to be stored.
func Check(p domain.MaintenancePrediction) error {
	if strings.TrimSpace(p.ID) == "" {
		return domain.ValidationError{Field: "id", Reason: "required"}
	}
	if strings.TrimSpace(p.DeviceName) == "" {
		return domain.ValidationError{Field: "device_name", Reason: "required"}
	}
	if !p.Urgency.Valid() {
		return domain.ValidationError{Field: "urgency", Reason: fmt.Sprintf("unknown urgency %q", p.Urgency)}
	}
	return nil
}
