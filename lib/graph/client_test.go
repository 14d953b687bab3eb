// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
)

// newTestClient creates a Client backed by the given httptest.Server.
func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Tokens:     StaticToken("test-token"),
		HTTPClient: server.Client(),
		Clock:      clock.Real(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_HTTPSEnforcement(t *testing.T) {
	_, err := NewClient(Config{
		BaseURL: "http://graph.microsoft.com/v1.0",
		Tokens:  StaticToken("test"),
	})
	if err == nil {
		t.Fatal("expected error for HTTP URL")
	}
	if got := err.Error(); got != `graph: API client requires HTTPS (got "http://graph.microsoft.com/v1.0")` {
		t.Errorf("unexpected error: %s", got)
	}
}

func TestNewClient_RequiresTokens(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "https://graph.microsoft.com/v1.0"})
	if err == nil {
		t.Fatal("expected error for missing TokenProvider")
	}
}

func TestClient_AuthHeaderInjection(t *testing.T) {
	var receivedAuth, receivedAccept string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		receivedAuth = request.Header.Get("Authorization")
		receivedAccept = request.Header.Get("Accept")
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"id":"ITEM1","name":"report.txt","size":12,"file":{}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	item, err := client.GetItem(context.Background(), "ITEM1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}

	if receivedAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want %q", receivedAuth, "Bearer test-token")
	}
	if receivedAccept != "application/json" {
		t.Errorf("Accept = %q, want %q", receivedAccept, "application/json")
	}
	if item.Name != "report.txt" || item.Size != 12 {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.IsFolder() {
		t.Error("file item reported as folder")
	}
}

func TestClient_GetChild_ColonAddressing(t *testing.T) {
	var receivedPath string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		receivedPath = request.URL.Path
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"id":"CHILD1","name":"notes.md","size":5,"file":{}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	item, err := client.GetChild(context.Background(), "PARENT1", "notes.md")
	if err != nil {
		t.Fatalf("GetChild: %v", err)
	}
	if item.ID != "CHILD1" {
		t.Errorf("item id = %q, want CHILD1", item.ID)
	}
	if !strings.Contains(receivedPath, "/me/drive/items/PARENT1:/notes.md:") {
		t.Errorf("unexpected request path %q", receivedPath)
	}
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusNotFound)
		writer.Write([]byte(`{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.GetItem(context.Background(), "MISSING")
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound = false for %v", err)
	}

	var apiError *APIError
	if !errors.As(err, &apiError) {
		t.Fatalf("error is not *APIError: %v", err)
	}
	if apiError.Code != "itemNotFound" {
		t.Errorf("code = %q, want itemNotFound", apiError.Code)
	}
}

func TestClient_ConflictOnCreateFolder(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", request.Method)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusConflict)
		writer.Write([]byte(`{"error":{"code":"nameAlreadyExists","message":"An item with the same name already exists."}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.CreateFolder(context.Background(), "ROOT", "docs")
	if !IsConflict(err) {
		t.Errorf("IsConflict = false for %v", err)
	}
}

func TestClient_ListChildren_Pagination(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		if request.URL.Query().Get("page") == "2" {
			writer.Write([]byte(`{"value":[{"id":"C3","name":"c","file":{}}]}`))
			return
		}
		fmt.Fprintf(writer, `{
			"value": [{"id":"C1","name":"a","folder":{"childCount":0}},{"id":"C2","name":"b","file":{}}],
			"@odata.nextLink": %q
		}`, server.URL+"/me/drive/items/DIR1/children?page=2")
	}))
	defer server.Close()

	client := newTestClient(t, server)
	children, err := client.AllChildren(context.Background(), "DIR1")
	if err != nil {
		t.Fatalf("AllChildren: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("got %d children, want 3", len(children))
	}
	if children[0].ID != "C1" || children[2].ID != "C3" {
		t.Errorf("unexpected child order: %v, %v, %v", children[0].ID, children[1].ID, children[2].ID)
	}
	if !children[0].IsFolder() {
		t.Error("folder child reported as file")
	}
}

func TestClient_Delta_WalkAndResume(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		switch request.URL.Query().Get("token") {
		case "":
			fmt.Fprintf(writer, `{
				"value": [{"id":"ROOT","name":"root","folder":{},"root":{}}],
				"@odata.nextLink": %q
			}`, server.URL+"/me/drive/root/delta?token=page2")
		case "page2":
			fmt.Fprintf(writer, `{
				"value": [{"id":"F1","name":"gone.txt","file":{},"deleted":{"state":"deleted"}}],
				"@odata.deltaLink": %q
			}`, server.URL+"/me/drive/root/delta?token=resume")
		default:
			t.Errorf("unexpected delta token %q", request.URL.Query().Get("token"))
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pager := client.Delta("")
	ctx := context.Background()

	page1, err := pager.NextPage(ctx)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page1) != 1 || page1[0].ID != "ROOT" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	page2, err := pager.NextPage(ctx)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page2) != 1 || !page2[0].IsDeleted() {
		t.Fatalf("expected one deleted item, got %+v", page2)
	}

	done, err := pager.NextPage(ctx)
	if err != nil {
		t.Fatalf("final page: %v", err)
	}
	if done != nil {
		t.Fatalf("expected nil page after delta link, got %+v", done)
	}
	if !strings.Contains(pager.DeltaLink(), "token=resume") {
		t.Errorf("delta link = %q, want resume token", pager.DeltaLink())
	}
}

func TestClient_Delta_ResyncRequired(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusGone)
		writer.Write([]byte(`{"error":{"code":"resyncRequired","message":"The delta token is no longer valid."}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	pager := client.Delta(server.URL + "/me/drive/root/delta?token=stale")
	_, err := pager.NextPage(context.Background())
	if !IsResyncRequired(err) {
		t.Errorf("IsResyncRequired = false for %v", err)
	}
}

func TestClient_ThrottleBackoffAndRetry(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	requestCount := 0

	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requestCount++
		if requestCount == 1 {
			writer.Header().Set("Retry-After", "7")
			writer.WriteHeader(http.StatusTooManyRequests)
			writer.Write([]byte(`{"error":{"code":"activityLimitReached","message":"Throttled."}}`))
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"id":"ITEM1","name":"report.txt","size":12,"file":{}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		BaseURL:    server.URL,
		Tokens:     StaticToken("test-token"),
		HTTPClient: server.Client(),
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	// The request blocks on the throttle backoff, so run it in a
	// goroutine and advance the clock once the timer is registered.
	done := make(chan error, 1)
	var item *DriveItem
	go func() {
		var requestErr error
		item, requestErr = client.GetItem(context.Background(), "ITEM1")
		done <- requestErr
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(8 * time.Second)

	if err := <-done; err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if requestCount != 2 {
		t.Errorf("expected 2 requests (throttled + retry), got %d", requestCount)
	}
	if item == nil || item.ID != "ITEM1" {
		t.Errorf("unexpected item: %+v", item)
	}
}

func TestClient_UpdateItem_RenameAndMove(t *testing.T) {
	var receivedBody string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", request.Method)
		}
		body, _ := io.ReadAll(request.Body)
		receivedBody = string(body)
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"id":"ITEM1","name":"renamed.txt","file":{}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	item, err := client.UpdateItem(context.Background(), "ITEM1", "NEWPARENT", "renamed.txt")
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if item.Name != "renamed.txt" {
		t.Errorf("name = %q, want renamed.txt", item.Name)
	}
	if !strings.Contains(receivedBody, `"renamed.txt"`) || !strings.Contains(receivedBody, `"NEWPARENT"`) {
		t.Errorf("request body %q missing rename or move fields", receivedBody)
	}

	if _, err := client.UpdateItem(context.Background(), "ITEM1", "", ""); err == nil {
		t.Error("expected error for no-op update")
	}
}

func TestClient_UploadSmall(t *testing.T) {
	var receivedBody, receivedContentType string
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", request.Method)
		}
		body, _ := io.ReadAll(request.Body)
		receivedBody = string(body)
		receivedContentType = request.Header.Get("Content-Type")
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"id":"ITEM1","name":"report.txt","size":11,"cTag":"ctag-2","file":{}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	item, err := client.UploadSmall(context.Background(), "ITEM1", []byte("hello world"))
	if err != nil {
		t.Fatalf("UploadSmall: %v", err)
	}
	if receivedBody != "hello world" {
		t.Errorf("uploaded body = %q", receivedBody)
	}
	if receivedContentType != "application/octet-stream" {
		t.Errorf("content type = %q", receivedContentType)
	}
	if item.CTag != "ctag-2" {
		t.Errorf("cTag = %q, want ctag-2", item.CTag)
	}

	oversized := make([]byte, SmallUploadLimit+1)
	if _, err := client.UploadSmall(context.Background(), "ITEM1", oversized); err == nil {
		t.Error("expected error for oversized small upload")
	}
}

func TestClient_UploadSession(t *testing.T) {
	content := []byte("0123456789abcdef")
	var ranges []string

	var server *httptest.Server
	server = httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch {
		case strings.HasSuffix(request.URL.Path, "/createUploadSession"):
			writer.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(writer, `{"uploadUrl": %q}`, server.URL+"/upload/session-1")
		case strings.HasSuffix(request.URL.Path, "/upload/session-1"):
			if auth := request.Header.Get("Authorization"); auth != "" {
				t.Errorf("chunk PUT carried Authorization header %q", auth)
			}
			contentRange := request.Header.Get("Content-Range")
			ranges = append(ranges, contentRange)
			if strings.HasPrefix(contentRange, "bytes 8-15/") {
				writer.Header().Set("Content-Type", "application/json")
				writer.WriteHeader(http.StatusCreated)
				fmt.Fprintf(writer, `{"id":"ITEM1","name":"big.bin","size":16,"cTag":"ctag-9","file":{}}`)
				return
			}
			writer.WriteHeader(http.StatusAccepted)
			writer.Write([]byte(`{"nextExpectedRanges":["8-"]}`))
		default:
			t.Errorf("unexpected request path %q", request.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server)
	ctx := context.Background()

	session, err := client.CreateUploadSession(ctx, "ITEM1")
	if err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}

	item, err := session.PutChunk(ctx, content[:8], 0, int64(len(content)))
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if item != nil {
		t.Fatalf("intermediate chunk returned an item: %+v", item)
	}

	item, err = session.PutChunk(ctx, content[8:], 8, int64(len(content)))
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if item == nil || item.CTag != "ctag-9" {
		t.Fatalf("unexpected completed item: %+v", item)
	}

	want := []string{"bytes 0-7/16", "bytes 8-15/16"}
	if len(ranges) != 2 || ranges[0] != want[0] || ranges[1] != want[1] {
		t.Errorf("Content-Range headers = %v, want %v", ranges, want)
	}
}

func TestClient_Download_Ranged(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		rangeHeader := request.Header.Get("Range")
		if rangeHeader == "" {
			writer.Write(payload)
			return
		}
		var offset int64
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-", &offset); err != nil {
			t.Errorf("bad Range header %q", rangeHeader)
		}
		writer.WriteHeader(http.StatusPartialContent)
		writer.Write(payload[offset:])
	}))
	defer server.Close()

	client := newTestClient(t, server)
	ctx := context.Background()

	reader, err := client.Download(ctx, server.URL+"/content", 0)
	if err != nil {
		t.Fatalf("Download at 0: %v", err)
	}
	full, _ := io.ReadAll(reader)
	reader.Close()
	if string(full) != string(payload) {
		t.Errorf("full download = %q", full)
	}

	reader, err = client.Download(ctx, server.URL+"/content", 10)
	if err != nil {
		t.Fatalf("Download at 10: %v", err)
	}
	tail, _ := io.ReadAll(reader)
	reader.Close()
	if string(tail) != string(payload[10:]) {
		t.Errorf("ranged download = %q", tail)
	}
}

func TestClient_Download_RejectsFullResponseForRange(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Ignore the Range header and return the whole body with 200.
		writer.Write([]byte("full body"))
	}))
	defer server.Close()

	client := newTestClient(t, server)
	_, err := client.Download(context.Background(), server.URL+"/content", 5)
	if err == nil {
		t.Fatal("expected error for 200 response to ranged request")
	}
	var apiError *APIError
	if !errors.As(err, &apiError) || apiError.StatusCode != http.StatusOK {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"report.txt", "Fotos 2026", "a.b.c", strings.Repeat("x", 255)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", ".", "..", "a/b", `a\b`, "con:aux", "what?", "a|b", strings.Repeat("x", 256)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}
