// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package sessionstore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// memBackend is an in-memory Backend that can be told to fail deletes.
type memBackend struct {
	mu       sync.Mutex
	files    map[string][]byte
	failOn   map[string]error
	attempts []string
}

func newMemBackend(names ...string) *memBackend {
	mb := &memBackend{files: make(map[string][]byte), failOn: make(map[string]error)}
	for _, name := range names {
		mb.files[name] = []byte(name)
	}
	return mb
}

func (m *memBackend) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memBackend) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (m *memBackend) Write(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
	return nil
}

func (m *memBackend) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, name)
	if err := m.failOn[name]; err != nil {
		return err
	}
	delete(m.files, name)
	return nil
}

func (m *memBackend) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[name]
	return ok
}

var allArtifacts = []string{
	"creds.json",
	"session-123@s.whatsapp.net.0.json",
	"sender-key-group@g.us--123--0.json",
	"sender-key-memory-group@g.us.json",
	"app-state-sync-key-AAAA.json",
	"app-state-sync-version-regular.json",
	"pre-key-1.json",
	"pre-key-2.json",
	"notes.txt",
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want Kind
	}{
		{"creds.json", KindCredentials},
		{"session-123.0.json", KindPerPeerSession},
		{"sender-key-group--1.json", KindSenderKey},
		{"sender-key-memory-group.json", KindSenderKeyMemory},
		{"app-state-sync-key-x.json", KindAppState},
		{"pre-key-7.json", KindPreKey},
		{"notes.txt", KindOther},
		{"sessions.json", KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.name); got != tt.want {
				t.Errorf("KindOf(%q): got %s, want %s", tt.name, got, tt.want)
			}
		})
	}
}

func TestScopeIncludes(t *testing.T) {
	t.Parallel()
	for _, scope := range []Scope{ScopeSessionOnly, ScopeSessionAndSenderKeyMemory} {
		if scope.Includes(KindCredentials) {
			t.Errorf("%s must never include credentials", scope)
		}
		for _, k := range []Kind{KindPerPeerSession, KindSenderKey, KindAppState, KindPreKey} {
			if !scope.Includes(k) {
				t.Errorf("%s should include %s", scope, k)
			}
		}
	}
	if ScopeSessionOnly.Includes(KindSenderKeyMemory) {
		t.Error("session_only should keep sender key memory")
	}
	if !ScopeSessionAndSenderKeyMemory.Includes(KindSenderKeyMemory) {
		t.Error("session_and_sender_key_memory should include sender key memory")
	}
	for k := KindOther; k <= KindPreKey; k++ {
		if !ScopeFull.Includes(k) {
			t.Errorf("full should include %s", k)
		}
	}
}

func TestPurgeSessionOnlyKeepsCredentials(t *testing.T) {
	t.Parallel()
	mb := newMemBackend(allArtifacts...)
	store := New(mb, zerolog.Nop())

	removed, err := store.Purge(context.Background(), ScopeSessionOnly)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 6 {
		t.Errorf("removed: got %d, want 6", removed)
	}
	for _, keep := range []string{"creds.json", "sender-key-memory-group@g.us.json", "notes.txt"} {
		if !mb.has(keep) {
			t.Errorf("%s should have been kept", keep)
		}
	}
	for _, name := range mb.attempts {
		if KindOf(name) == KindCredentials {
			t.Errorf("session_only purge attempted to delete %s", name)
		}
	}
}

func TestPurgeSenderKeyMemory(t *testing.T) {
	t.Parallel()
	mb := newMemBackend(allArtifacts...)
	store := New(mb, zerolog.Nop())

	removed, err := store.Purge(context.Background(), ScopeSessionAndSenderKeyMemory)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 7 {
		t.Errorf("removed: got %d, want 7", removed)
	}
	if mb.has("sender-key-memory-group@g.us.json") {
		t.Error("sender key memory should have been deleted")
	}
	if !mb.has("creds.json") {
		t.Error("credentials should have been kept")
	}
}

func TestPurgeFullAttemptsEverything(t *testing.T) {
	t.Parallel()
	mb := newMemBackend(allArtifacts...)
	mb.failOn["session-123@s.whatsapp.net.0.json"] = errors.New("device busy")
	mb.failOn["pre-key-1.json"] = fs.ErrPermission
	store := New(mb, zerolog.Nop())

	removed, err := store.Purge(context.Background(), ScopeFull)
	if err == nil {
		t.Fatal("expected joined error for failed deletions")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Errorf("joined error should wrap fs.ErrPermission, got %v", err)
	}
	if removed != len(allArtifacts)-2 {
		t.Errorf("removed: got %d, want %d", removed, len(allArtifacts)-2)
	}
	if len(mb.attempts) != len(allArtifacts) {
		t.Errorf("delete attempts: got %d, want %d", len(mb.attempts), len(allArtifacts))
	}
	if mb.has("creds.json") {
		t.Error("full purge should delete credentials")
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()
	store := New(newMemBackend(), zerolog.Nop())
	ctx := context.Background()

	creds, err := store.LoadCredentials(ctx)
	if err != nil || creds != nil {
		t.Fatalf("LoadCredentials on empty store: got %q, %v", creds, err)
	}
	if err = store.SaveCredentials(ctx, []byte(`{"me":"1"}`)); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	creds, err = store.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if string(creds) != `{"me":"1"}` {
		t.Errorf("credentials: got %q", creds)
	}
}

func TestDirBackend(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "auth")
	backend := &DirBackend{Path: dir}
	ctx := context.Background()

	names, err := backend.List(ctx)
	if err != nil || len(names) != 0 {
		t.Fatalf("List on missing dir: got %v, %v", names, err)
	}

	store := New(backend, zerolog.Nop())
	if err = store.SaveCredentials(ctx, []byte("secret")); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	for _, name := range []string{"session-a.json", "pre-key-1.json"} {
		if err = os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err = os.Mkdir(filepath.Join(dir, "subdir"), 0o700); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Purge(ctx, ScopeSessionOnly)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed: got %d, want 2", removed)
	}
	names, _ = backend.List(ctx)
	if len(names) != 1 || names[0] != CredentialsName {
		t.Errorf("remaining: got %v, want [%s]", names, CredentialsName)
	}
	if err = backend.Delete(ctx, "session-a.json"); err != nil {
		t.Errorf("deleting a missing artifact should succeed, got %v", err)
	}
}

func TestDirBackendFullPurgeSweepsTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	backend := &DirBackend{Path: dir}
	ctx := context.Background()
	for _, name := range []string{"creds.json", ".tmp-creds.json-123", "session-a.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("secret"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	store := New(backend, zerolog.Nop())

	removed, err := store.Purge(ctx, ScopeSessionOnly)
	if err != nil || removed != 1 {
		t.Fatalf("session purge: got %d, %v, want 1", removed, err)
	}
	if _, err = os.Stat(filepath.Join(dir, ".tmp-creds.json-123")); err != nil {
		t.Errorf("session purge should leave temp files alone: %v", err)
	}

	removed, err = store.Purge(ctx, ScopeFull)
	if err != nil {
		t.Fatalf("full purge: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed: got %d, want 2", removed)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		left := make([]string, 0, len(entries))
		for _, entry := range entries {
			left = append(left, entry.Name())
		}
		t.Errorf("full purge left files behind: %v", left)
	}
}

func TestDirBackendRejectsPaths(t *testing.T) {
	t.Parallel()
	backend := &DirBackend{Path: t.TempDir()}
	for _, name := range []string{"", "..", "../creds.json", "a/b"} {
		if err := backend.Delete(context.Background(), name); err == nil {
			t.Errorf("Delete(%q) should fail", name)
		}
	}
}
