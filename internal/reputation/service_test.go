package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVirusTotalQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		var items []queryItem
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(items) != 2 || items[0].Hash != "aa" {
			t.Errorf("unexpected items %+v", items)
		}
		_, _ = io.WriteString(w, `{"response_code":1,"data":[
			{"hash":"AA","found":true,"detection_ratio":"3/70","positives":3,"permalink":"https://vt/aa"},
			{"hash":"bb","found":false}
		]}`)
	}))
	defer srv.Close()

	svc := NewVirusTotalService(ServiceConfig{APIKey: "key", QueryURL: srv.URL}, srv.Client())
	res, err := svc.Query(context.Background(), []Query{{Digest: "aa", Path: "/bin/a"}, {Digest: "bb"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Digest != "aa" || res[0].Positives != 3 || res[0].Total != 70 || res[0].Permalink == "" {
		t.Fatalf("unexpected result %+v", res[0])
	}
	if res[1].Found {
		t.Fatalf("expected not found")
	}
}

func TestVirusTotalRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := NewVirusTotalService(ServiceConfig{APIKey: "key", QueryURL: srv.URL}, srv.Client())
	_, err := svc.Query(context.Background(), []Query{{Digest: "aa"}})
	var te *TransportError
	if !errors.As(err, &te) || !te.Transient || te.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected transient rate limit error, got %v", err)
	}
}

func TestVirusTotalRescanForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("resource") != "aa" || r.Form.Get("apikey") != "key" {
			t.Errorf("unexpected form %v", r.Form)
		}
		_, _ = io.WriteString(w, `{"response_code":1}`)
	}))
	defer srv.Close()

	svc := NewVirusTotalService(ServiceConfig{APIKey: "key", RescanURL: srv.URL}, srv.Client())
	if err := svc.Rescan(context.Background(), "aa"); err != nil {
		t.Fatalf("rescan: %v", err)
	}
}

func TestClientOverHTTPUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	srv.Close()

	svc := NewVirusTotalService(ServiceConfig{APIKey: "key", QueryURL: srv.URL}, nil)
	c := newTestClient(svc, Config{MaxRetries: 1})
	res, err := c.Lookup(context.Background(), []Query{{Digest: strings.Repeat("a", 40)}})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if r := res[strings.Repeat("a", 40)]; !r.Unknown {
		t.Fatalf("expected unknown, got %+v", r)
	}
}

func TestVirusTotalCreationTimeFromQuery(t *testing.T) {
	var items []queryItem
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"response_code":1,"data":[]}`)
	}))
	defer srv.Close()

	mod := time.Date(2024, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	svc := NewVirusTotalService(ServiceConfig{APIKey: "key", QueryURL: srv.URL}, srv.Client())
	// The path does not exist; the time must come from the query alone.
	_, err := svc.Query(context.Background(), []Query{
		{Digest: "aa", Path: "/nonexistent/a", ModTime: mod},
		{Digest: "bb", Path: "/nonexistent/b"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].CreationDatetime != "2024-03-01T11:30:00Z" {
		t.Fatalf("unexpected creation time %q", items[0].CreationDatetime)
	}
	if items[1].CreationDatetime != "" {
		t.Fatalf("expected empty creation time, got %q", items[1].CreationDatetime)
	}
}
