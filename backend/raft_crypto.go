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
	"fmt"
	"io"

	"github.com/c2FmZQ/storage/crypto"
	"github.com/hashicorp/raft"
)

const snapshotCryptoCtx = "raft-snapshot"

// encryptedLogStore encrypts the command payload of each raft log entry.
// Entry metadata stays in the clear so raft can index it.
type encryptedLogStore struct {
	inner raft.LogStore
	key   crypto.EncryptionKey
}

func newEncryptedLogStore(inner raft.LogStore, key crypto.EncryptionKey) *encryptedLogStore {
	return &encryptedLogStore{inner: inner, key: key}
}

func (e *encryptedLogStore) FirstIndex() (uint64, error) {
	return e.inner.FirstIndex()
}

func (e *encryptedLogStore) LastIndex() (uint64, error) {
	return e.inner.LastIndex()
}

func (e *encryptedLogStore) GetLog(index uint64, l *raft.Log) error {
	if err := e.inner.GetLog(index, l); err != nil {
		return err
	}
	if len(l.Data) == 0 {
		return nil
	}
	dec, err := e.key.Decrypt(l.Data)
	if err != nil {
		return fmt.Errorf("failed to decrypt log index %d: %w", index, err)
	}
	l.Data = dec
	return nil
}

func (e *encryptedLogStore) seal(l *raft.Log) (*raft.Log, error) {
	if len(l.Data) == 0 {
		return l, nil
	}
	enc, err := e.key.Encrypt(l.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt log index %d: %w", l.Index, err)
	}
	sealed := *l
	sealed.Data = enc
	return &sealed, nil
}

func (e *encryptedLogStore) StoreLog(l *raft.Log) error {
	sealed, err := e.seal(l)
	if err != nil {
		return err
	}
	return e.inner.StoreLog(sealed)
}

func (e *encryptedLogStore) StoreLogs(logs []*raft.Log) error {
	sealed := make([]*raft.Log, len(logs))
	for i, l := range logs {
		var err error
		if sealed[i], err = e.seal(l); err != nil {
			return err
		}
	}
	return e.inner.StoreLogs(sealed)
}

func (e *encryptedLogStore) DeleteRange(min, max uint64) error {
	return e.inner.DeleteRange(min, max)
}

// encryptedSnapshotStore encrypts snapshots on disk and serves them
// decrypted from Open, for restore and for streaming to followers.
type encryptedSnapshotStore struct {
	inner raft.SnapshotStore
	key   crypto.EncryptionKey
}

func newEncryptedSnapshotStore(inner raft.SnapshotStore, key crypto.EncryptionKey) *encryptedSnapshotStore {
	return &encryptedSnapshotStore{inner: inner, key: key}
}

func (e *encryptedSnapshotStore) Create(version raft.SnapshotVersion, index, term uint64, configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	sink, err := e.inner.Create(version, index, term, configuration, configurationIndex, trans)
	if err != nil {
		return nil, err
	}
	w, err := e.key.StartWriter([]byte(snapshotCryptoCtx), writerOnly{sink})
	if err != nil {
		sink.Cancel()
		return nil, err
	}
	return &encryptedSnapshotSink{inner: sink, stream: w}, nil
}

func (e *encryptedSnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	return e.inner.List()
}

func (e *encryptedSnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	meta, rc, err := e.inner.Open(id)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.key.StartReader([]byte(snapshotCryptoCtx), readerOnly{rc})
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	return meta, &decryptedReadCloser{inner: rc, stream: r}, nil
}

// writerOnly and readerOnly hide Close from the crypto streams, which would
// otherwise close the sink or file underneath. The wrappers own that.
type writerOnly struct{ io.Writer }

type readerOnly struct{ io.Reader }

type encryptedSnapshotSink struct {
	inner  raft.SnapshotSink
	stream crypto.StreamWriter
}

func (s *encryptedSnapshotSink) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// Close flushes the stream before committing the underlying snapshot.
func (s *encryptedSnapshotSink) Close() error {
	if err := s.stream.Close(); err != nil {
		s.inner.Cancel()
		return err
	}
	return s.inner.Close()
}

func (s *encryptedSnapshotSink) ID() string {
	return s.inner.ID()
}

func (s *encryptedSnapshotSink) Cancel() error {
	s.stream.Close()
	return s.inner.Cancel()
}

type decryptedReadCloser struct {
	inner  io.ReadCloser
	stream crypto.StreamReader
}

func (r *decryptedReadCloser) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

func (r *decryptedReadCloser) Close() error {
	r.stream.Close()
	return r.inner.Close()
}
