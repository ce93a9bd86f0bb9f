package telegram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSendTextPostsMessage(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		path string
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		path, body = r.URL.Path, string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SendText(context.Background(), 42, 7, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasSuffix(path, "/bot123:abc/sendMessage") {
		t.Fatalf("path = %q", path)
	}
	for _, want := range []string{`"hello"`, `"42"`, `"7"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("body %s missing %s", body, want)
		}
	}
}

func TestSendTextHonorsCancelledContext(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Token: "123:abc", APIURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendText(ctx, 1, 0, "x"); err == nil {
		t.Fatal("expected context error")
	}
}
