// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package backend

import (
	"bytes"
	"io"
	"testing"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

type memLogStore struct {
	raft.LogStore
	logs map[uint64]*raft.Log
}

func (m *memLogStore) StoreLog(l *raft.Log) error {
	c := *l
	m.logs[l.Index] = &c
	return nil
}

func (m *memLogStore) StoreLogs(logs []*raft.Log) error {
	for _, l := range logs {
		m.StoreLog(l)
	}
	return nil
}

func (m *memLogStore) GetLog(index uint64, l *raft.Log) error {
	stored, ok := m.logs[index]
	if !ok {
		return raft.ErrLogNotFound
	}
	*l = *stored
	return nil
}

func (m *memLogStore) DeleteRange(min, max uint64) error {
	for i := min; i <= max; i++ {
		delete(m.logs, i)
	}
	return nil
}

func testMasterKey(t *testing.T) crypto.MasterKey {
	t.Helper()
	mk, err := crypto.CreateAESMasterKeyForTest()
	if err != nil {
		t.Fatalf("CreateAESMasterKeyForTest: %v", err)
	}
	return mk
}

func TestEncryptedLogStore(t *testing.T) {
	inner := &memLogStore{logs: make(map[uint64]*raft.Log)}
	store := newEncryptedLogStore(inner, testMasterKey(t))

	plain := []byte(`{"type":"APPEND_ENTRIES","id":"g1"}`)
	if err := store.StoreLog(&raft.Log{Index: 1, Term: 1, Data: plain}); err != nil {
		t.Fatalf("StoreLog: %v", err)
	}
	if err := store.StoreLogs([]*raft.Log{
		{Index: 2, Term: 1, Data: []byte("second")},
		{Index: 3, Term: 1, Type: raft.LogNoop},
	}); err != nil {
		t.Fatalf("StoreLogs: %v", err)
	}

	if bytes.Contains(inner.logs[1].Data, []byte("APPEND_ENTRIES")) {
		t.Error("payload stored in the clear")
	}
	if inner.logs[1].Index != 1 || inner.logs[1].Term != 1 {
		t.Errorf("metadata changed: %+v", inner.logs[1])
	}
	if inner.logs[3].Data != nil {
		t.Errorf("empty payload was sealed: %x", inner.logs[3].Data)
	}

	for index, want := range map[uint64]string{1: string(plain), 2: "second", 3: ""} {
		var got raft.Log
		if err := store.GetLog(index, &got); err != nil {
			t.Fatalf("GetLog(%d): %v", index, err)
		}
		if string(got.Data) != want {
			t.Errorf("GetLog(%d) = %q, want %q", index, got.Data, want)
		}
	}

	other := newEncryptedLogStore(inner, testMasterKey(t))
	var l raft.Log
	if err := other.GetLog(1, &l); err == nil {
		t.Error("GetLog with the wrong key should fail")
	}

	if err := store.DeleteRange(1, 2); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if err := store.GetLog(1, &l); err != raft.ErrLogNotFound {
		t.Errorf("GetLog after delete = %v", err)
	}
}

func TestEncryptedSnapshotStore(t *testing.T) {
	dir := t.TempDir()
	inner, err := raft.NewFileSnapshotStoreWithLogger(dir, 2, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	store := newEncryptedSnapshotStore(inner, testMasterKey(t))

	content := bytes.Repeat([]byte("games/00000001.json "), 500)
	sink, err := store.Create(1, 10, 2, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := sink.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snaps, err := store.List()
	if err != nil || len(snaps) != 1 {
		t.Fatalf("List = %v, %v", snaps, err)
	}
	if snaps[0].Index != 10 || snaps[0].Term != 2 {
		t.Errorf("meta = %+v", snaps[0])
	}

	_, rc, err := inner.Open(sink.ID())
	if err != nil {
		t.Fatalf("inner Open: %v", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if bytes.Contains(raw, []byte("games/00000001.json")) {
		t.Error("snapshot stored in the clear")
	}

	_, rc, err = store.Open(sink.ID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("Close reader: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("decrypted snapshot differs: %d bytes, want %d", len(got), len(content))
	}
}

func TestEncryptedSnapshotCancel(t *testing.T) {
	inner, err := raft.NewFileSnapshotStoreWithLogger(t.TempDir(), 2, hclog.NewNullLogger())
	if err != nil {
		t.Fatalf("NewFileSnapshotStore: %v", err)
	}
	store := newEncryptedSnapshotStore(inner, testMasterKey(t))
	sink, err := store.Create(1, 5, 1, raft.Configuration{}, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sink.Write([]byte("partial"))
	if err := sink.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snaps, _ := store.List(); len(snaps) != 0 {
		t.Errorf("cancelled snapshot listed: %v", snaps)
	}
}

type countingSink struct {
	bytes.Buffer
	closed, cancelled int
}

func (s *countingSink) ID() string { return "counting" }

func (s *countingSink) Close() error {
	s.closed++
	return nil
}

func (s *countingSink) Cancel() error {
	s.cancelled++
	return nil
}

type countingSnapshotStore struct {
	raft.SnapshotStore
	sinks []*countingSink
}

func (c *countingSnapshotStore) Create(raft.SnapshotVersion, uint64, uint64, raft.Configuration, uint64, raft.Transport) (raft.SnapshotSink, error) {
	s := &countingSink{}
	c.sinks = append(c.sinks, s)
	return s, nil
}

func TestEncryptedSnapshotSinkLifecycle(t *testing.T) {
	inner := &countingSnapshotStore{}
	store := newEncryptedSnapshotStore(inner, testMasterKey(t))

	tests := []struct {
		name                    string
		finish                  func(raft.SnapshotSink) error
		wantClosed, wantCancels int
	}{
		{"close", raft.SnapshotSink.Close, 1, 0},
		{"cancel", raft.SnapshotSink.Cancel, 0, 1},
	}
	for i, tc := range tests {
		sink, err := store.Create(1, 1, 1, raft.Configuration{}, 1, nil)
		if err != nil {
			t.Fatalf("%s: Create: %v", tc.name, err)
		}
		sink.Write([]byte("state"))
		if err := tc.finish(sink); err != nil {
			t.Errorf("%s: %v", tc.name, err)
		}
		got := inner.sinks[i]
		if got.closed != tc.wantClosed || got.cancelled != tc.wantCancels {
			t.Errorf("%s: closed=%d cancelled=%d, want %d %d", tc.name, got.closed, got.cancelled, tc.wantClosed, tc.wantCancels)
		}
	}
}
