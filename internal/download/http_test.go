package download

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type completion struct {
	result              Result
	source, destination string
}

func newTestEngine(t *testing.T) (*HTTPEngine, chan completion) {
	t.Helper()
	e := NewHTTPEngine(nil, nil)
	ch := make(chan completion, 4)
	e.OnComplete(func(r Result, s, d string) { ch <- completion{r, s, d} })
	return e, ch
}

func waitCompletion(t *testing.T, ch chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("transfer did not complete")
		return completion{}
	}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestHTTPEngineDownloadsAndVerifies(t *testing.T) {
	const body = "plugin payload"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	e, ch := newTestEngine(t)
	dst := filepath.Join(t.TempDir(), "out", "p.bin")
	if _, err := e.Start(srv.URL+"/p.bin", dst, strings.ToUpper(sha(body))); err != nil {
		t.Fatalf("start: %v", err)
	}
	got := waitCompletion(t, ch)
	if got.result != ResultOK || got.destination != dst {
		t.Fatalf("unexpected completion: %+v", got)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != body {
		t.Fatalf("destination content %q err=%v", b, err)
	}
	if _, err := os.Stat(partialPath(dst)); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}

func TestHTTPEngineHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))
	defer srv.Close()

	e, ch := newTestEngine(t)
	dst := filepath.Join(t.TempDir(), "p.bin")
	_, _ = e.Start(srv.URL, dst, sha("other"))
	if got := waitCompletion(t, ch); got.result != ResultIncorrectHash {
		t.Fatalf("expected incorrect hash, got %v", got.result)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("destination must not exist on hash mismatch")
	}
}

func TestHTTPEngineResumesWithRange(t *testing.T) {
	const body = "0123456789"
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(body[4:]))
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "p.bin")
	if err := os.WriteFile(partialPath(dst), []byte(body[:4]), 0o600); err != nil {
		t.Fatal(err)
	}
	e, ch := newTestEngine(t)
	_, _ = e.Start(srv.URL, dst, sha(body))
	if got := waitCompletion(t, ch); got.result != ResultOK {
		t.Fatalf("expected ok, got %v", got.result)
	}
	if gotRange != "bytes=4-" {
		t.Fatalf("range header %q", gotRange)
	}
	b, _ := os.ReadFile(dst)
	if string(b) != body {
		t.Fatalf("resumed content %q", b)
	}
}

func TestHTTPEngineServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	e, ch := newTestEngine(t)
	_, _ = e.Start(srv.URL, filepath.Join(t.TempDir(), "p.bin"), "")
	if got := waitCompletion(t, ch); got.result != ResultFailed {
		t.Fatalf("expected failed, got %v", got.result)
	}
}

func TestHTTPEngineRejectsScheme(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Start("ftp://host/x", "/tmp/x", ""); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestHTTPEngineCancelKeepsPartial(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("first chunk"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	e, ch := newTestEngine(t)
	dst := filepath.Join(t.TempDir(), "p.bin")
	h, _ := e.Start(srv.URL, dst, "")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if fi, err := os.Stat(partialPath(dst)); err == nil && fi.Size() > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no bytes staged before cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !e.Cancel(h) {
		t.Fatalf("expected resumable partial after cancel")
	}
	if got := waitCompletion(t, ch); got.result != ResultCancelled {
		t.Fatalf("expected cancelled, got %v", got.result)
	}
	if e.Cancel(h) {
		t.Fatalf("second cancel of finished handle must report false")
	}
}

func TestCoordinatorWithHTTPEngineUnderRelativeRoot(t *testing.T) {
	const body = "relative payload"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	chdir(t, dir)
	log := &eventLog{}
	c, err := NewCoordinator(Options{Engine: NewHTTPEngine(nil, nil), Events: log, Root: "dl"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartDownload(srv.URL+"/a.bin", "a.bin", sha(body)); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(log.completions()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("completion never published, outstanding %+v", c.List())
		}
		time.Sleep(10 * time.Millisecond)
	}
	b, err := os.ReadFile(filepath.Join(dir, "dl", "a.bin"))
	if err != nil || string(b) != body {
		t.Fatalf("downloaded file = %q, %v", b, err)
	}
	if len(c.List()) != 0 {
		t.Fatalf("record left: %+v", c.List())
	}
	if r := c.Resumes(); len(r) != 0 {
		t.Fatalf("resume entry left: %+v", r)
	}
	got := log.completions()
	if len(got) != 1 || got[0].Result != uint32(ResultOK) || got[0].Destination != "a.bin" {
		t.Fatalf("unexpected events: %+v", got)
	}
}
