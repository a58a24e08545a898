package insight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
)

const envelope = `{"predictions":[{"id":"P1","device_name":"Pump 3","device_type":"pump","urgency":"HIGH","repair_cost":1200,"replace_cost":3500,"required_parts":[{"sku":"SEAL-2","quantity":2}]}]}`

func TestDecodePayloadEnvelope(t *testing.T) {
	preds, err := DecodePayload([]byte(envelope))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, domain.UrgencyHigh, preds[0].Urgency)
	assert.Equal(t, []domain.PartRequirement{{SKU: "SEAL-2", Quantity: 2}}, preds[0].RequiredParts)
}

func TestDecodePayloadBareArray(t *testing.T) {
	preds, err := DecodePayload([]byte(` [{"id":"P2","device_name":"Cam 9","urgency":"low"}]`))
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "P2", preds[0].ID)
}

func TestDecodePayloadRejects(t *testing.T) {
	for _, doc := range []string{"", "{", `[{"id":"","device_name":"x","urgency":"low"}]`, `[{"id":"P","device_name":"x","urgency":"soon"}]`} {
		_, err := DecodePayload([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(envelope))
	}))
	defer srv.Close()

	preds, err := HTTPProvider{URL: srv.URL, Token: "tok"}.Predictions(context.Background())
	require.NoError(t, err)
	assert.Len(t, preds, 1)

	_, err = HTTPProvider{URL: srv.URL}.Predictions(context.Background())
	assert.Error(t, err)
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preds.json")
	require.NoError(t, os.WriteFile(path, []byte(envelope), 0o644))
	preds, err := FileProvider{Path: path}.Predictions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Pump 3", preds[0].DeviceName)
}
