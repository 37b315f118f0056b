// Package httpapi sends to-device messages through a homeserver's client-server API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meow-io/go-todevice/config"
	"github.com/meow-io/go-todevice/transport"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const clientPathPrefixV3 = "/_matrix/client/v3"

type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
	log         *zap.SugaredLogger
}

func NewClient(c *config.Config, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(c.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: parsing homeserver url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpapi: expected http or https homeserver url, got %q", c.HomeserverURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(c.RequestTimeoutMs) * time.Millisecond}
	}
	return &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		accessToken: c.AccessToken,
		http:        httpClient,
		log:         c.Logger("transport/httpapi"),
	}, nil
}

type sendToDeviceRequest struct {
	Messages transport.Messages `json:"messages"`
}

// SendToDevice sends one to-device event per addressed device. The transaction id makes a retried
// request idempotent on the homeserver.
func (c *Client) SendToDevice(ctx context.Context, eventType string, messages transport.Messages, txnID string) error {
	body, err := json.Marshal(&sendToDeviceRequest{messages})
	if err != nil {
		return fmt.Errorf("httpapi: encoding to-device messages: %w", err)
	}
	path := clientPathPrefixV3 + "/sendToDevice/" + url.PathEscape(eventType) + "/" + url.PathEscape(txnID)
	_, err = c.do(ctx, http.MethodPut, path, body)
	return err
}

// Ping checks the homeserver is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/_matrix/client/versions", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("httpapi: building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpapi: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("httpapi: reading response to %s %s: %w", method, path, err)
	}
	c.log.Debugf("%s %s -> %d", method, path, res.StatusCode)
	if res.StatusCode/100 != 2 {
		return nil, decodeError(res.StatusCode, resBody)
	}
	return resBody, nil
}

func decodeError(status int, body []byte) *transport.HTTPError {
	httpErr := &transport.HTTPError{StatusCode: status}
	if !gjson.ValidBytes(body) {
		httpErr.Message = string(body)
		return httpErr
	}
	res := gjson.GetManyBytes(body, "errcode", "error", "retry_after_ms")
	httpErr.ErrCode = res[0].String()
	httpErr.Message = res[1].String()
	if res[2].Exists() {
		httpErr.RetryAfter = time.Duration(res[2].Int()) * time.Millisecond
	}
	return httpErr
}
