// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs"
)

// fuseAvailable checks whether /dev/fuse is accessible. Tests that
// need a real mount call this and skip if the device is absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

// fakeRemote is a minimal in-memory drive: items by id, addressable by
// parent and name, with content uploads and downloads.
type fakeRemote struct {
	server *httptest.Server

	mu     sync.Mutex
	items  map[string]*remoteItem
	nextID int
}

type remoteItem struct {
	id      string
	name    string
	parent  string
	dir     bool
	content []byte
	ctag    int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	remote := &fakeRemote{
		items: map[string]*remoteItem{
			"ROOT": {id: "ROOT", name: "root", dir: true},
		},
	}
	remote.server = httptest.NewTLSServer(http.HandlerFunc(remote.handle))
	t.Cleanup(remote.server.Close)
	return remote
}

func (remote *fakeRemote) itemJSON(item *remoteItem) map[string]any {
	out := map[string]any{
		"id":   item.id,
		"name": item.name,
		"size": len(item.content),
		"cTag": fmt.Sprintf("ctag-%s-%d", item.id, item.ctag),
	}
	if item.dir {
		out["folder"] = map[string]any{}
	} else {
		out["file"] = map[string]any{}
		out["@microsoft.graph.downloadUrl"] = remote.server.URL + "/download/" + item.id
	}
	if item.parent != "" {
		out["parentReference"] = map[string]any{"id": item.parent}
	}
	if item.id == "ROOT" {
		out["root"] = map[string]any{}
	}
	return out
}

func (remote *fakeRemote) childByName(parent, name string) *remoteItem {
	for _, item := range remote.items {
		if item.parent == parent && item.name == name {
			return item
		}
	}
	return nil
}

func (remote *fakeRemote) handle(writer http.ResponseWriter, request *http.Request) {
	remote.mu.Lock()
	defer remote.mu.Unlock()

	notFound := func() {
		writer.WriteHeader(http.StatusNotFound)
		io.WriteString(writer, `{"error":{"code":"itemNotFound","message":"gone"}}`)
	}
	writeItem := func(item *remoteItem) {
		json.NewEncoder(writer).Encode(remote.itemJSON(item))
	}

	path := request.URL.Path
	switch {
	case path == "/me/drive":
		io.WriteString(writer, `{"id":"drive1","quota":{"total":1000000,"used":0,"remaining":1000000}}`)
		return
	case path == "/me/drive/root":
		writeItem(remote.items["ROOT"])
		return
	case strings.HasPrefix(path, "/download/"):
		if item, ok := remote.items[strings.TrimPrefix(path, "/download/")]; ok {
			writer.Write(item.content)
		} else {
			notFound()
		}
		return
	}

	rest, ok := strings.CutPrefix(path, "/me/drive/items/")
	if !ok {
		notFound()
		return
	}

	switch {
	case strings.Contains(rest, ":/"):
		parentID, remainder, _ := strings.Cut(rest, ":/")
		name, suffix, _ := strings.Cut(remainder, ":")
		item := remote.childByName(parentID, name)
		if request.Method == http.MethodPut && suffix == "/content" {
			body, _ := io.ReadAll(request.Body)
			if item == nil {
				remote.nextID++
				item = &remoteItem{id: fmt.Sprintf("ITEM%d", remote.nextID), name: name, parent: parentID}
				remote.items[item.id] = item
			}
			item.content = body
			item.ctag++
			writeItem(item)
			return
		}
		if item == nil {
			notFound()
			return
		}
		writeItem(item)

	case strings.HasSuffix(rest, "/children"):
		id := strings.TrimSuffix(rest, "/children")
		if _, ok := remote.items[id]; !ok {
			notFound()
			return
		}
		switch request.Method {
		case http.MethodGet:
			children := []map[string]any{}
			for _, item := range remote.items {
				if item.parent == id {
					children = append(children, remote.itemJSON(item))
				}
			}
			json.NewEncoder(writer).Encode(map[string]any{"value": children})
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
			}
			json.NewDecoder(request.Body).Decode(&body)
			if remote.childByName(id, body.Name) != nil {
				writer.WriteHeader(http.StatusConflict)
				io.WriteString(writer, `{"error":{"code":"nameAlreadyExists","message":"exists"}}`)
				return
			}
			remote.nextID++
			item := &remoteItem{id: fmt.Sprintf("ITEM%d", remote.nextID), name: body.Name, parent: id, dir: true}
			remote.items[item.id] = item
			writer.WriteHeader(http.StatusCreated)
			writeItem(item)
		}

	case strings.HasSuffix(rest, "/content"):
		item, ok := remote.items[strings.TrimSuffix(rest, "/content")]
		if !ok {
			notFound()
			return
		}
		body, _ := io.ReadAll(request.Body)
		item.content = body
		item.ctag++
		writeItem(item)

	default:
		item, ok := remote.items[rest]
		if !ok {
			notFound()
			return
		}
		switch request.Method {
		case http.MethodGet:
			writeItem(item)
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
			writeItem(item)
		case http.MethodDelete:
			delete(remote.items, item.id)
			writer.WriteHeader(http.StatusNoContent)
		}
	}
}

// testMount builds the full stack over a fake remote and mounts it.
func testMount(t *testing.T) (string, *fakeRemote) {
	t.Helper()
	fuseAvailable(t)

	remote := newFakeRemote(t)

	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.DiskCache.Path = filepath.Join(cfg.State.Dir, "cache")
	cfg.API.BaseURL = remote.server.URL
	cfg.Upload.FlushDelay = config.Duration(20 * time.Millisecond)
	cfg.Upload.RetryDelay = config.Duration(20 * time.Millisecond)

	db, err := statedb.Open(statedb.Config{Path: cfg.StateDB(), PoolSize: 2})
	if err != nil {
		t.Fatalf("statedb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	client, err := graph.NewClient(graph.Config{
		BaseURL:    remote.server.URL,
		Tokens:     graph.StaticToken("test-token"),
		HTTPClient: remote.server.Client(),
		Clock:      clock.Real(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	fsys, err := vfs.New(context.Background(), vfs.Options{
		Client: client,
		DB:     db,
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}

	mountpoint := filepath.Join(t.TempDir(), "mount")
	server, err := Mount(Options{
		Mountpoint: mountpoint,
		FS:         fsys,
		Config:     cfg,
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
		fsys.Close(context.Background())
	})

	return mountpoint, remote
}

func TestMountFileRoundTrip(t *testing.T) {
	mountpoint, remote := testMount(t)

	path := filepath.Join(mountpoint, "notes.txt")
	if err := os.WriteFile(path, []byte("hello from the mount"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello from the mount" {
		t.Errorf("read back %q", got)
	}

	// The write-back upload lands remotely.
	deadline := time.Now().Add(5 * time.Second)
	for {
		remote.mu.Lock()
		item := remote.childByName("ROOT", "notes.txt")
		uploaded := item != nil && string(item.content) == "hello from the mount"
		remote.mu.Unlock()
		if uploaded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("content never reached the remote side")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMountDirectoryOperations(t *testing.T) {
	mountpoint, _ := testMount(t)

	dir := filepath.Join(mountpoint, "docs")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := os.ReadDir(mountpoint)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "docs" || !entries[0].IsDir() {
		t.Fatalf("root entries = %v", entries)
	}

	// rmdir of a populated directory fails; empty succeeds.
	if err := os.Remove(dir); err == nil {
		t.Fatal("rmdir of populated directory succeeded")
	}
	if err := os.Remove(filepath.Join(dir, "a.txt")); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if err := os.Remove(dir); err != nil {
		t.Fatalf("rmdir: %v", err)
	}
}

func TestMountRename(t *testing.T) {
	mountpoint, _ := testMount(t)

	oldPath := filepath.Join(mountpoint, "old.txt")
	if err := os.WriteFile(oldPath, []byte("content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	newPath := filepath.Join(mountpoint, "new.txt")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Errorf("old path still exists: %v", err)
	}
	got, err := os.ReadFile(newPath)
	if err != nil || string(got) != "content" {
		t.Errorf("new path content = %q, %v", got, err)
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{vfs.ErrNotFound, syscall.ENOENT},
		{vfs.ErrExists, syscall.EEXIST},
		{vfs.ErrNotDirectory, syscall.ENOTDIR},
		{vfs.ErrIsDirectory, syscall.EISDIR},
		{vfs.ErrNotEmpty, syscall.ENOTEMPTY},
		{vfs.ErrInvalidHandle, syscall.EBADF},
		{vfs.ErrNonsequentialRead, syscall.EINVAL},
		{vfs.ErrInvalidName, syscall.EINVAL},
		{vfs.ErrFileTooLarge, syscall.EFBIG},
		{vfs.ErrWriteWithoutCache, syscall.EROFS},
		{vfs.ErrReadOnly, syscall.EROFS},
		{vfs.ErrDownloadFailed, syscall.EIO},
		{vfs.ErrInvalidated, syscall.ESTALE},
		{fmt.Errorf("wrapped: %w", vfs.ErrNotFound), syscall.ENOENT},
		{fmt.Errorf("opaque failure"), syscall.EIO},
	}
	for _, testCase := range cases {
		if got := errnoFor(testCase.err); got != testCase.want {
			t.Errorf("errnoFor(%v) = %v, want %v", testCase.err, got, testCase.want)
		}
	}
}

func TestInodeNumbersAreStable(t *testing.T) {
	first := inoFor("ITEM1")
	if first != inoFor("ITEM1") {
		t.Error("same item produced different inode numbers")
	}
	if first == inoFor("ITEM2") {
		t.Error("distinct items produced the same inode number")
	}
}
