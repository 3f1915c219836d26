package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) DoJSON(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.Token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) DoText(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.Token)
	return c.do(req)
}

func (c *Client) Status(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/status", nil)
}

// StartScan asks the daemon to begin a scan. A nil filter keeps the
// daemon's current setting.
func (c *Client) StartScan(ctx context.Context, filter *bool) ([]byte, error) {
	path := "/scan/start"
	if filter != nil {
		path += "?filter=" + strconv.FormatBool(*filter)
	}
	return c.DoJSON(ctx, http.MethodPost, path, nil)
}

func (c *Client) StopScan(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodPost, "/scan/stop", nil)
}

func (c *Client) SetFilter(ctx context.Context, enabled bool) ([]byte, error) {
	q := url.Values{"enabled": {strconv.FormatBool(enabled)}}
	return c.DoJSON(ctx, http.MethodPost, "/scan/filter?"+q.Encode(), nil)
}

// Report fetches the latest completed report, as JSON or as the text
// rendering written to the findings file.
func (c *Client) Report(ctx context.Context, text bool) ([]byte, error) {
	if text {
		return c.DoText(ctx, http.MethodGet, "/report/text")
	}
	return c.DoJSON(ctx, http.MethodGet, "/report/latest", nil)
}

func (c *Client) History(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/reports/history", nil)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// PrettyJSON indents JSON bodies and passes anything else through.
func PrettyJSON(raw []byte) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return raw
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return raw
	}
	var out bytes.Buffer
	if err := json.Indent(&out, []byte(trimmed), "", "  "); err != nil {
		return raw
	}
	out.WriteByte('\n')
	return out.Bytes()
}
