package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// HTTPClient is a PeerClient talking JSON over HTTP to one peer.
type HTTPClient struct {
	endpoint   Endpoint
	httpClient *http.Client
}

// ConnectHTTP returns a Connector building HTTP clients. timeout caps every
// call on top of the caller's context deadline.
func ConnectHTTP(timeout time.Duration) Connector {
	var httpClient = &http.Client{Timeout: timeout}

	return func(endpoint Endpoint) PeerClient {
		return NewHTTPClient(endpoint, httpClient)
	}
}

func NewHTTPClient(endpoint Endpoint, httpClient *http.Client) *HTTPClient {
	return &HTTPClient{endpoint: endpoint, httpClient: httpClient}
}

func (c *HTTPClient) Append(ctx context.Context, req AppendRequest) (Receipt, error) {
	var res Receipt
	err := c.post(ctx, "/append", req, &res)
	return res, err
}

func (c *HTTPClient) RequestVote(ctx context.Context, req VoteRequest) (Vote, error) {
	var res Vote
	err := c.post(ctx, "/request_vote", req, &res)
	return res, err
}

func (c *HTTPClient) post(ctx context.Context, path string, req, res any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var url = fmt.Sprintf("http://%s%s", c.endpoint, path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var requestID, ok = RoundFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
	}
	httpReq.Header.Set(requestIDHeader, requestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.endpoint, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %w: %d", c.endpoint, path, ErrUnexpectedStatus, resp.StatusCode)
	}

	if err = json.NewDecoder(resp.Body).Decode(res); err != nil {
		return fmt.Errorf("%s %s: cannot decode response: %w", c.endpoint, path, err)
	}

	return nil
}
