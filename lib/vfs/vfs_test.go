// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
)

// fakeDrive is an in-memory drive behind an httptest server, enough of
// the Graph item API for the filesystem facade to run against.
type fakeDrive struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	items  map[string]*fakeDriveItem
	nextID int
}

type fakeDriveItem struct {
	id      string
	name    string
	parent  string
	dir     bool
	content []byte
	ctag    int
}

func newFakeDrive(t *testing.T) *fakeDrive {
	t.Helper()
	drive := &fakeDrive{
		t: t,
		items: map[string]*fakeDriveItem{
			"ROOT": {id: "ROOT", name: "root", dir: true},
		},
	}
	drive.server = httptest.NewTLSServer(http.HandlerFunc(drive.handle))
	t.Cleanup(drive.server.Close)
	return drive
}

func (drive *fakeDrive) itemJSON(item *fakeDriveItem) map[string]any {
	out := map[string]any{
		"id":   item.id,
		"name": item.name,
		"size": len(item.content),
		"cTag": fmt.Sprintf("ctag-%s-%d", item.id, item.ctag),
		"eTag": "etag",
	}
	if item.dir {
		out["folder"] = map[string]any{}
	} else {
		out["file"] = map[string]any{}
		out["@microsoft.graph.downloadUrl"] = drive.server.URL + "/download/" + item.id
	}
	if item.parent != "" {
		out["parentReference"] = map[string]any{"id": item.parent}
	}
	if item.id == "ROOT" {
		out["root"] = map[string]any{}
	}
	return out
}

func (drive *fakeDrive) writeItem(writer http.ResponseWriter, item *fakeDriveItem) {
	json.NewEncoder(writer).Encode(drive.itemJSON(item))
}

func (drive *fakeDrive) writeError(writer http.ResponseWriter, status int, code string) {
	writer.WriteHeader(status)
	fmt.Fprintf(writer, `{"error":{"code":%q,"message":%q}}`, code, code)
}

func (drive *fakeDrive) childByName(parent, name string) *fakeDriveItem {
	for _, item := range drive.items {
		if item.parent == parent && item.name == name {
			return item
		}
	}
	return nil
}

func (drive *fakeDrive) handle(writer http.ResponseWriter, request *http.Request) {
	drive.mu.Lock()
	defer drive.mu.Unlock()

	path := request.URL.Path
	switch {
	case path == "/me/drive":
		io.WriteString(writer, `{"id":"drive1","driveType":"personal","quota":{"total":1000,"used":250,"remaining":750}}`)
		return
	case path == "/me/drive/root":
		drive.writeItem(writer, drive.items["ROOT"])
		return
	case strings.HasPrefix(path, "/download/"):
		item, ok := drive.items[strings.TrimPrefix(path, "/download/")]
		if !ok {
			drive.writeError(writer, http.StatusNotFound, "itemNotFound")
			return
		}
		writer.Write(item.content)
		return
	}

	rest, ok := strings.CutPrefix(path, "/me/drive/items/")
	if !ok {
		drive.writeError(writer, http.StatusNotFound, "itemNotFound")
		return
	}

	switch {
	// PARENT:/name:/content and PARENT:/name:
	case strings.Contains(rest, ":/"):
		parentID, remainder, _ := strings.Cut(rest, ":/")
		name, suffix, _ := strings.Cut(remainder, ":")
		switch {
		case request.Method == http.MethodPut && suffix == "/content":
			body, _ := io.ReadAll(request.Body)
			item := drive.childByName(parentID, name)
			if item == nil {
				drive.nextID++
				item = &fakeDriveItem{
					id:     fmt.Sprintf("ITEM%d", drive.nextID),
					name:   name,
					parent: parentID,
				}
				drive.items[item.id] = item
				writer.WriteHeader(http.StatusCreated)
			}
			item.content = body
			item.ctag++
			drive.writeItem(writer, item)
		case request.Method == http.MethodGet && suffix == "":
			item := drive.childByName(parentID, name)
			if item == nil {
				drive.writeError(writer, http.StatusNotFound, "itemNotFound")
				return
			}
			drive.writeItem(writer, item)
		default:
			drive.t.Errorf("unexpected request %s %s", request.Method, path)
			drive.writeError(writer, http.StatusNotFound, "itemNotFound")
		}

	case strings.HasSuffix(rest, "/children"):
		id := strings.TrimSuffix(rest, "/children")
		parent, ok := drive.items[id]
		if !ok {
			drive.writeError(writer, http.StatusNotFound, "itemNotFound")
			return
		}
		switch request.Method {
		case http.MethodGet:
			children := []map[string]any{}
			for _, item := range drive.items {
				if item.parent == id {
					children = append(children, drive.itemJSON(item))
				}
			}
			json.NewEncoder(writer).Encode(map[string]any{"value": children})
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
			}
			json.NewDecoder(request.Body).Decode(&body)
			if drive.childByName(parent.id, body.Name) != nil {
				drive.writeError(writer, http.StatusConflict, "nameAlreadyExists")
				return
			}
			drive.nextID++
			item := &fakeDriveItem{
				id:     fmt.Sprintf("ITEM%d", drive.nextID),
				name:   body.Name,
				parent: parent.id,
				dir:    true,
			}
			drive.items[item.id] = item
			writer.WriteHeader(http.StatusCreated)
			drive.writeItem(writer, item)
		}

	case strings.HasSuffix(rest, "/content"):
		id := strings.TrimSuffix(rest, "/content")
		item, ok := drive.items[id]
		if !ok {
			drive.writeError(writer, http.StatusNotFound, "itemNotFound")
			return
		}
		body, _ := io.ReadAll(request.Body)
		item.content = body
		item.ctag++
		drive.writeItem(writer, item)

	default:
		item, ok := drive.items[rest]
		if !ok {
			drive.writeError(writer, http.StatusNotFound, "itemNotFound")
			return
		}
		switch request.Method {
		case http.MethodGet:
			drive.writeItem(writer, item)
		case http.MethodPatch:
			var body struct {
				Name            string `json:"name"`
				ParentReference *struct {
					ID string `json:"id"`
				} `json:"parentReference"`
			}
			json.NewDecoder(request.Body).Decode(&body)
			if body.Name != "" {
				item.name = body.Name
			}
			if body.ParentReference != nil {
				item.parent = body.ParentReference.ID
			}
			drive.writeItem(writer, item)
		case http.MethodDelete:
			delete(drive.items, item.id)
			writer.WriteHeader(http.StatusNoContent)
		}
	}
}

func newTestFS(t *testing.T, drive *fakeDrive, readOnly bool) *FS {
	t.Helper()

	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.DiskCache.Path = cfg.State.Dir + "/cache"
	cfg.API.BaseURL = drive.server.URL
	cfg.Upload.FlushDelay = config.Duration(20 * time.Millisecond)
	cfg.Upload.RetryDelay = config.Duration(20 * time.Millisecond)

	db, err := statedb.Open(statedb.Config{Path: cfg.StateDB(), PoolSize: 2})
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fs, err := New(context.Background(), Options{
		Client:   newTestGraphClient(t, drive.server),
		DB:       db,
		Config:   cfg,
		ReadOnly: readOnly,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

func TestFSFileLifecycle(t *testing.T) {
	drive := newFakeDrive(t)
	fs := newTestFS(t, drive, false)
	ctx := context.Background()

	root := fs.Root()
	if !root.IsDir || root.ID != "ROOT" {
		t.Fatalf("root = %+v", root)
	}

	// Create a directory and a file inside it.
	dir, err := fs.Mkdir(ctx, root.ID, "docs")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	attr, handle, err := fs.Create(ctx, dir.ID, "notes.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := fs.Write(ctx, handle, []byte("hello world"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.Fsync(ctx, handle); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	if err := fs.Release(ctx, handle); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// The content reached the remote side.
	drive.mu.Lock()
	remote := drive.items[string(attr.ID)]
	drive.mu.Unlock()
	if remote == nil || string(remote.content) != "hello world" {
		t.Fatalf("remote content = %+v", remote)
	}

	// Read it back through a fresh handle.
	handle, err = fs.Open(ctx, attr.ID, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buffer := make([]byte, 11)
	if _, err := fs.Read(ctx, handle, buffer, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buffer) != "hello world" {
		t.Errorf("read back %q", buffer)
	}
	fs.Release(ctx, handle)

	// Directory listing sees the file.
	entries, err := fs.ReadDir(ctx, dir.ID)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "notes.txt" {
		t.Errorf("entries = %+v", entries)
	}

	// Rename into the root, then delete.
	if err := fs.Rename(ctx, dir.ID, "notes.txt", root.ID, "renamed.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := fs.Lookup(ctx, dir.ID, "notes.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old name still resolves: %v", err)
	}
	moved, err := fs.Lookup(ctx, root.ID, "renamed.txt")
	if err != nil || moved.ID != attr.ID {
		t.Fatalf("Lookup after rename = %+v, %v", moved, err)
	}

	if err := fs.Remove(ctx, root.ID, "renamed.txt", false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := fs.Remove(ctx, root.ID, "docs", true); err != nil {
		t.Fatalf("Remove dir: %v", err)
	}

	quota, err := fs.StatFS(ctx)
	if err != nil || quota.Total != 1000 || quota.Remaining != 750 {
		t.Errorf("StatFS = %+v, %v", quota, err)
	}

	// Close writes the snapshot.
	if err := fs.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(fs.cfg.SnapshotFile()); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
}

func TestFSRemoveChecks(t *testing.T) {
	drive := newFakeDrive(t)
	fs := newTestFS(t, drive, false)
	ctx := context.Background()
	defer fs.Close(ctx)

	root := fs.Root()
	dir, err := fs.Mkdir(ctx, root.ID, "docs")
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, _, err := fs.Create(ctx, dir.ID, "notes.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A populated directory refuses rmdir.
	if err := fs.Remove(ctx, root.ID, "docs", true); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("rmdir of populated dir = %v, want ErrNotEmpty", err)
	}
	// Type mismatches.
	if err := fs.Remove(ctx, root.ID, "docs", false); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("unlink of dir = %v, want ErrIsDirectory", err)
	}
	if err := fs.Remove(ctx, dir.ID, "notes.txt", true); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("rmdir of file = %v, want ErrNotDirectory", err)
	}
	// Duplicate mkdir conflicts.
	if _, err := fs.Mkdir(ctx, root.ID, "docs"); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Mkdir = %v, want ErrExists", err)
	}
	// Bad names are rejected before any request.
	if _, err := fs.Mkdir(ctx, root.ID, "bad/name"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Mkdir with slash = %v, want ErrInvalidName", err)
	}
}

func TestFSReadOnly(t *testing.T) {
	drive := newFakeDrive(t)
	fs := newTestFS(t, drive, true)
	ctx := context.Background()
	defer fs.Close(ctx)

	root := fs.Root()
	if _, err := fs.Mkdir(ctx, root.ID, "docs"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Mkdir = %v, want ErrReadOnly", err)
	}
	if _, _, err := fs.Create(ctx, root.ID, "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create = %v, want ErrReadOnly", err)
	}
	if err := fs.Remove(ctx, root.ID, "x", false); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Remove = %v, want ErrReadOnly", err)
	}
	if err := fs.Rename(ctx, root.ID, "x", root.ID, "y"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Rename = %v, want ErrReadOnly", err)
	}
	if err := fs.SetSize(ctx, root.ID, 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("SetSize = %v, want ErrReadOnly", err)
	}
	if _, err := fs.Open(ctx, root.ID, true); !errors.Is(err, ErrReadOnly) {
		t.Errorf("writable Open = %v, want ErrReadOnly", err)
	}
}

func TestFSStreamsOversizedFiles(t *testing.T) {
	drive := newFakeDrive(t)

	content := []byte("this file is larger than the cache cap")
	drive.mu.Lock()
	drive.items["BIG"] = &fakeDriveItem{
		id: "BIG", name: "big.bin", parent: "ROOT", content: content, ctag: 1,
	}
	drive.mu.Unlock()

	fs := newTestFS(t, drive, false)
	ctx := context.Background()
	defer fs.Close(ctx)
	fs.cache.maxFileSize = 10

	handle, err := fs.Open(ctx, "BIG", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buffer := make([]byte, len(content))
	if _, err := fs.Read(ctx, handle, buffer, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buffer) != string(content) {
		t.Errorf("streamed content = %q", buffer)
	}
	if _, err := fs.Write(ctx, handle, []byte("x"), 0); !errors.Is(err, ErrWriteWithoutCache) {
		t.Errorf("Write on streaming handle = %v, want ErrWriteWithoutCache", err)
	}
	fs.Release(ctx, handle)

	// Opening an oversized file for writing fails outright.
	if _, err := fs.Open(ctx, "BIG", true); !errors.Is(err, ErrWriteWithoutCache) {
		t.Errorf("writable Open of oversized file = %v, want ErrWriteWithoutCache", err)
	}
}

func TestFSSetSize(t *testing.T) {
	drive := newFakeDrive(t)
	fs := newTestFS(t, drive, false)
	ctx := context.Background()
	defer fs.Close(ctx)

	attr, handle, err := fs.Create(ctx, fs.Root().ID, "notes.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Write(ctx, handle, []byte("hello world"), 0); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fs.SetSize(ctx, attr.ID, 5); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if err := fs.Fsync(ctx, handle); err != nil {
		t.Fatalf("Fsync: %v", err)
	}
	fs.Release(ctx, handle)

	drive.mu.Lock()
	remote := drive.items[string(attr.ID)]
	drive.mu.Unlock()
	if string(remote.content) != "hello" {
		t.Errorf("remote content after truncate = %q", remote.content)
	}

	if got, err := fs.GetAttr(ctx, attr.ID); err != nil || got.Size != 5 {
		t.Errorf("GetAttr after truncate = %+v, %v", got, err)
	}
}
