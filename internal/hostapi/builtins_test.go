package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	r, err := NewDefaultRegistry(opts)
	if err != nil {
		t.Fatalf("NewDefaultRegistry: %v", err)
	}
	return r
}

func TestUnitModelCreate(t *testing.T) {
	r := newTestRegistry(t, Options{})

	out, err := r.Invoke(context.Background(), "UNIT_MODEL.CREATE", json.RawMessage(`{"ref_id":"model-1","name":"Sample"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var got struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(got.ID, "um_") || len(got.ID) != 29 {
		t.Errorf("ID = %q, want um_<ulid>", got.ID)
	}
	if got.Status != "created" {
		t.Errorf("Status = %q, want created", got.Status)
	}
}

func TestLogWritesToSinkAndLogger(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRegistry(t, Options{Logger: slog.New(slog.NewJSONHandler(&buf, nil))})

	var levels, lines []string
	ctx := WithLogSink(context.Background(), func(level, line string) {
		levels = append(levels, level)
		lines = append(lines, line)
	})
	ctx = WithLogAttrs(ctx, "execution_id", "exec-1")

	payload := json.RawMessage(`{"message":"hello","context":{"k":1}}`)
	if _, err := r.Invoke(ctx, "log.audit", payload); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if len(lines) != 1 || lines[0] != `hello {"k":1}` {
		t.Fatalf("sink lines = %q", lines)
	}
	if levels[0] != "audit" {
		t.Errorf("level = %q, want audit", levels[0])
	}

	out := buf.String()
	for _, want := range []string{`"script_level":"audit"`, `"execution_id":"exec-1"`, `"msg":"hello {\"k\":1}"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestFormatLogLineNonString(t *testing.T) {
	r := newTestRegistry(t, Options{})

	var got string
	ctx := WithLogSink(context.Background(), func(_, line string) { got = line })
	if _, err := r.Invoke(ctx, "log.info", json.RawMessage(`{"message":{"a":[1,2]}}`)); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got != `{"a":[1,2]}` {
		t.Errorf("line = %q", got)
	}
}

func TestHTTPDeniedByDefault(t *testing.T) {
	r := newTestRegistry(t, Options{})

	_, err := r.Invoke(context.Background(), "http.get", json.RawMessage(`{"url":"https://example.com/"}`))
	if !errors.Is(err, ErrHostNotAllowed) {
		t.Fatalf("err = %v, want ErrHostNotAllowed", err)
	}
}

func TestHTTPRejectsScheme(t *testing.T) {
	r := newTestRegistry(t, Options{HTTPAllowHosts: []string{"example.com"}})

	_, err := r.Invoke(context.Background(), "http.get", json.RawMessage(`{"url":"file:///etc/passwd"}`))
	if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Seen-Header", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"method": r.Method,
			"q":      r.URL.Query().Get("q"),
			"body":   string(body),
		})
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	r := newTestRegistry(t, Options{HTTPAllowHosts: []string{u.Hostname()}})

	payload, _ := json.Marshal(map[string]any{
		"url":     srv.URL + "/things",
		"headers": map[string]string{"X-Token": "t1"},
		"query":   map[string]string{"q": "v"},
		"body":    map[string]int{"n": 1},
	})
	out, err := r.Invoke(context.Background(), "http.post", payload)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	var resp struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    map[string]string `json:"body"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != http.StatusCreated {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if resp.Headers["x-seen-header"] != "t1" {
		t.Errorf("headers = %v", resp.Headers)
	}
	if resp.Body["method"] != "POST" || resp.Body["q"] != "v" || resp.Body["body"] != `{"n":1}` {
		t.Errorf("body = %v", resp.Body)
	}
}

func TestHTTPPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	r := newTestRegistry(t, Options{HTTPAllowHosts: []string{u.Hostname()}})

	out, err := r.Invoke(context.Background(), "http.get", json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var resp struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Body != "plain text" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestAllowSubdomain(t *testing.T) {
	hc := newHTTPCaller([]string{".example.com"}, 0)

	for _, raw := range []string{"https://api.example.com/x", "https://example.com/"} {
		u, _ := url.Parse(raw)
		if err := hc.check(u); err != nil {
			t.Errorf("check(%s) = %v", raw, err)
		}
	}
	u, _ := url.Parse("https://badexample.com/")
	if err := hc.check(u); err == nil {
		t.Error("check(badexample.com) allowed")
	}
}
