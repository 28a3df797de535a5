package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"icr-worker/internal/domain"
)

const defaultTimeout = 60 * time.Second

// Engine runs the recognition model on raw image bytes.
type Engine interface {
	Predict(ctx context.Context, image []byte) (Prediction, error)
}

// Prediction is the engine output for one page. Predictions are aligned with
// Labels; Crops holds base64 encoded images keyed by artifact kind.
type Prediction struct {
	Labels      []domain.Label                 `json:"labels"`
	Predictions []bool                         `json:"predictions"`
	Crops       map[domain.ArtifactKind]string `json:"crops"`
}

type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

type predictResponse struct {
	Prediction
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Predict posts the image to {baseURL}/predict. A 422 answer means the
// engine could not parse the page and is reported as a RecognitionError.
func (c *HTTPClient) Predict(ctx context.Context, image []byte) (Prediction, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(image))
	if err != nil {
		return Prediction{}, err
	}
	httpReq.Header.Set("Content-Type", http.DetectContentType(image))
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Prediction{}, fmt.Errorf("recognizer request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Prediction{}, err
	}

	var parsed predictResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode >= 400 {
			return Prediction{}, statusError(resp.StatusCode, "")
		}
		return Prediction{}, fmt.Errorf("unable to parse recognizer response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := ""
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return Prediction{}, statusError(resp.StatusCode, msg)
	}
	return parsed.Prediction, nil
}

func statusError(code int, msg string) error {
	if msg == "" {
		msg = fmt.Sprintf("status %d", code)
	}
	err := fmt.Errorf("recognizer request failed: %s", msg)
	if code == http.StatusUnprocessableEntity {
		return domain.NewRecognitionError("predict", err)
	}
	return err
}
