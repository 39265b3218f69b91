package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

type transfer struct {
	source, destination, hash string
	cancel                    context.CancelFunc
	done                      chan struct{}
}

// HTTPEngine downloads over HTTP(S). Bytes are staged in "<destination>.partial"
// and resumed with a Range request when that file already holds data. The
// partial file is renamed into place once the optional SHA-256 hash matches.
type HTTPEngine struct {
	client *http.Client
	logger *slog.Logger

	mu         sync.Mutex
	transfers  map[Handle]*transfer
	next       Handle
	onComplete CompletionFunc
	wg         sync.WaitGroup
}

func NewHTTPEngine(client *http.Client, logger *slog.Logger) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPEngine{client: client, logger: logger, transfers: make(map[Handle]*transfer)}
}

func (e *HTTPEngine) OnComplete(fn CompletionFunc) {
	e.mu.Lock()
	e.onComplete = fn
	e.mu.Unlock()
}

func (e *HTTPEngine) Start(source, destination, hash string) (Handle, error) {
	u := strings.ToLower(source)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return 0, fmt.Errorf("unsupported source scheme: %s", source)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{source: source, destination: destination, hash: hash, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.next++
	h := e.next
	e.transfers[h] = t
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, h, t)
	return h, nil
}

// Cancel stops the transfer and waits for it to wind down.
func (e *HTTPEngine) Cancel(h Handle) bool {
	e.mu.Lock()
	t, ok := e.transfers[h]
	e.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	<-t.done
	fi, err := os.Stat(partialPath(t.destination))
	return err == nil && fi.Size() > 0
}

// Close cancels all transfers and waits for their goroutines.
func (e *HTTPEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	for _, t := range e.transfers {
		t.cancel()
	}
	e.mu.Unlock()
	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *HTTPEngine) run(ctx context.Context, h Handle, t *transfer) {
	defer e.wg.Done()
	result, err := e.fetch(ctx, t)
	if err != nil {
		e.logger.Warn("Transfer failed", "source", t.source, "destination", t.destination, "result", result.String(), "error", err)
	}

	e.mu.Lock()
	delete(e.transfers, h)
	fn := e.onComplete
	e.mu.Unlock()
	close(t.done)

	if fn != nil {
		fn(result, t.source, t.destination)
	}
}

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

func (e *HTTPEngine) fetch(ctx context.Context, t *transfer) (Result, error) {
	partial := partialPath(t.destination)
	if err := os.MkdirAll(filepath.Dir(partial), 0o750); err != nil {
		return ResultWriteError, err
	}
	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.source, nil)
	if err != nil {
		return ResultFailed, err
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ResultCancelled, ctx.Err()
		}
		return ResultFailed, err
	}
	defer func() { _ = resp.Body.Close() }()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// partial file already holds the whole body
		return e.finish(t, partial)
	default:
		return ResultFailed, fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.OpenFile(partial, flags, 0o640)
	if err != nil {
		return ResultWriteError, err
	}
	w := &errWriter{w: f}
	_, copyErr := io.Copy(w, resp.Body)
	closeErr := f.Close()
	switch {
	case w.err != nil:
		return ResultWriteError, w.err
	case copyErr != nil && ctx.Err() != nil:
		return ResultCancelled, ctx.Err()
	case copyErr != nil:
		return ResultFailed, copyErr
	case closeErr != nil:
		return ResultWriteError, closeErr
	}
	return e.finish(t, partial)
}

func (e *HTTPEngine) finish(t *transfer, partial string) (Result, error) {
	if t.hash != "" {
		sum, err := fileSHA256(partial)
		if err != nil {
			return ResultWriteError, err
		}
		if !strings.EqualFold(sum, t.hash) {
			return ResultIncorrectHash, errors.New("hash mismatch")
		}
	}
	if err := os.Rename(partial, t.destination); err != nil {
		return ResultWriteError, err
	}
	return ResultOK, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
