package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultQueryURL  = "https://www.virustotal.com/partners/sysinternals/file-reports"
	DefaultRescanURL = "https://www.virustotal.com/vtapi/v2/file/rescan"
	DefaultSubmitURL = "https://www.virustotal.com/vtapi/v2/file/scan"

	userAgent = "VirusTotal"
)

// Service is the remote reputation API.
type Service interface {
	Query(ctx context.Context, batch []Query) ([]Result, error)
	Submit(ctx context.Context, path string) error
	Rescan(ctx context.Context, digest string) error
}

type ServiceConfig struct {
	APIKey    string
	QueryURL  string
	RescanURL string
	SubmitURL string
}

type VirusTotalService struct {
	cfg    ServiceConfig
	client *http.Client
	now    func() time.Time
}

func NewVirusTotalService(cfg ServiceConfig, client *http.Client) *VirusTotalService {
	if cfg.QueryURL == "" {
		cfg.QueryURL = DefaultQueryURL
	}
	if cfg.RescanURL == "" {
		cfg.RescanURL = DefaultRescanURL
	}
	if cfg.SubmitURL == "" {
		cfg.SubmitURL = DefaultSubmitURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &VirusTotalService{cfg: cfg, client: client, now: time.Now}
}

type queryItem struct {
	AutostartLocation string `json:"autostart_location"`
	AutostartEntry    string `json:"autostart_entry"`
	ImagePath         string `json:"image_path"`
	Hash              string `json:"hash"`
	CreationDatetime  string `json:"creation_datetime"`
}

type queryResponse struct {
	Data []struct {
		Hash           string `json:"hash"`
		Found          bool   `json:"found"`
		DetectionRatio string `json:"detection_ratio"`
		Positives      int    `json:"positives"`
		Permalink      string `json:"permalink"`
	} `json:"data"`
}

func (v *VirusTotalService) Query(ctx context.Context, batch []Query) ([]Result, error) {
	items := make([]queryItem, 0, len(batch))
	for _, q := range batch {
		item := queryItem{
			AutostartLocation: q.Path,
			AutostartEntry:    q.Name,
			ImagePath:         q.Path,
			Hash:              q.Digest,
		}
		if !q.ModTime.IsZero() {
			item.CreationDatetime = q.ModTime.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, &TransportError{Op: "query", Err: fmt.Errorf("encode batch: %w", err)}
	}

	endpoint, err := v.withKey(v.cfg.QueryURL)
	if err != nil {
		return nil, &TransportError{Op: "query", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "query", Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	raw, err := v.do(req, "query")
	if err != nil {
		return nil, err
	}
	var decoded queryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &TransportError{Op: "query", Transient: false, Err: fmt.Errorf("decode response: %w", err)}
	}
	now := v.now().UTC()
	out := make([]Result, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		out = append(out, Result{
			Digest:    strings.ToLower(d.Hash),
			Found:     d.Found,
			Positives: d.Positives,
			Total:     parseRatio(d.DetectionRatio),
			Ratio:     d.DetectionRatio,
			Permalink: d.Permalink,
			CheckedAt: now,
		})
	}
	return out, nil
}

func (v *VirusTotalService) Rescan(ctx context.Context, digest string) error {
	form := url.Values{}
	form.Set("apikey", v.cfg.APIKey)
	form.Set("resource", digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.RescanURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &TransportError{Op: "rescan", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	_, err = v.do(req, "rescan")
	return err
}

func (v *VirusTotalService) Submit(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("apikey", v.cfg.APIKey); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.SubmitURL, &buf)
	if err != nil {
		return &TransportError{Op: "submit", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", userAgent)
	_, err = v.do(req, "submit")
	return err
}

func (v *VirusTotalService) withKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("apikey", v.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do classifies failures: transport errors, 204/429 rate limiting and 5xx
// are transient; other non-2xx statuses are not.
func (v *VirusTotalService) do(req *http.Request, op string) ([]byte, error) {
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &TransportError{Op: op, Transient: true, Err: fmt.Errorf("read body: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("rate limited")}
	case resp.StatusCode >= 500:
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Transient: true, Err: fmt.Errorf("server error")}
	case resp.StatusCode >= 300:
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(raw)))}
	}
	return raw, nil
}
