package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicebridge/voicebridge/pkg/core"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// restClient speaks the Twilio REST API: form-encoded requests, JSON
// responses, basic auth with account SID and auth token.
type restClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

func newRESTClient(accountSID, authToken, baseURL string, hc *http.Client) *restClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &restClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: hc,
	}
}

// callResource is the subset of the Calls resource this engine reads.
type callResource struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *restClient) createCall(ctx context.Context, data url.Values) (*callResource, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)
	return c.postCall(ctx, endpoint, data)
}

func (c *restClient) updateCall(ctx context.Context, callSID string, data url.Values) (*callResource, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	return c.postCall(ctx, endpoint, data)
}

func (c *restClient) postCall(ctx context.Context, endpoint string, data url.Values) (*callResource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewConnectionError("twilio", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewConnectionError("twilio", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return nil, core.NewProtocolError("twilio", fmt.Sprintf("status %d: %s", resp.StatusCode, body))
		}
		return nil, &apiErr
	}

	var call callResource
	if err := json.Unmarshal(body, &call); err != nil {
		return nil, core.NewProtocolError("twilio", "malformed call resource in response")
	}
	return &call, nil
}
