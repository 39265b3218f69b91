package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loykin/plugind/internal/events"
	"github.com/loykin/plugind/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	rec := history.FromEvent(events.New(events.StateChange, events.StateChangePayload{Callsign: "Tracing", State: "activated", Reason: "requested"}))
	if err := sink.Send(context.Background(), rec); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("Expected PUT method, got: %s", receivedMethod)
	}
	if want := "/test-index/_doc/" + rec.ID; receivedURL != want {
		t.Errorf("Expected URL path %s, got: %s", want, receivedURL)
	}
	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["event"] != events.StateChange || doc["callsign"] != "Tracing" {
		t.Errorf("Unexpected document: %v", doc)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	err := sink.Send(context.Background(), history.Record{ID: "x", Event: "statechange"})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	sink := New("http://127.0.0.1:1", "idx")
	if err := sink.Send(context.Background(), history.Record{ID: "x"}); err == nil {
		t.Fatal("Expected connection error")
	}
}
