package telnyx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core"
)

const defaultBaseURL = "https://api.telnyx.com/v2"

// restClient speaks Call Control v2: JSON bodies, bearer auth, per-call
// action endpoints.
type restClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newRESTClient(apiKey, baseURL string, hc *http.Client) *restClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &restClient{apiKey: apiKey, baseURL: baseURL, httpClient: hc}
}

// callData is the subset of the call resource this engine reads.
type callData struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	To            string `json:"to"`
	From          string `json:"from"`
	IsAlive       bool   `json:"is_alive"`
}

type callEnvelope struct {
	Data callData `json:"data"`
}

type apiErrors struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// dial places an outbound call.
func (c *restClient) dial(ctx context.Context, body map[string]any) (*callData, error) {
	var env callEnvelope
	if err := c.post(ctx, c.baseURL+"/calls", body, &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

// action invokes a per-call command such as answer or hangup.
func (c *restClient) action(ctx context.Context, callControlID, name string, body map[string]any) error {
	endpoint := fmt.Sprintf("%s/calls/%s/actions/%s", c.baseURL, callControlID, name)
	return c.post(ctx, endpoint, body, nil)
}

func (c *restClient) post(ctx context.Context, endpoint string, body map[string]any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.NewConnectionError("telnyx", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.NewConnectionError("telnyx", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiErrors
		if err := json.Unmarshal(raw, &apiErr); err == nil && len(apiErr.Errors) > 0 {
			e := apiErr.Errors[0]
			return core.NewProtocolError("telnyx", fmt.Sprintf("%s: %s", e.Code, e.Title))
		}
		return core.NewProtocolError("telnyx", fmt.Sprintf("status %d: %s", resp.StatusCode, raw))
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return core.NewProtocolError("telnyx", "malformed call resource in response")
		}
	}
	return nil
}
