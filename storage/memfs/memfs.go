// Package memfs is an in-memory storage port adapter, used by tests and
// by ephemeral (never-persisted) containers.
package memfs

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jcf-project/jcf/errs"
	"github.com/jcf-project/jcf/storage"
)

type memStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// New returns an empty in-memory Storage Port.
func New() storage.Port {
	return &memStore{entries: map[string][]byte{}}
}

func (m *memStore) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.entries[name]
	if !ok {
		return nil, errs.New(errs.NotFound).WithPath(name)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *memStore) Write(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.entries[name] = cp
	return nil
}

func (m *memStore) Exists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[name]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) Size(_ context.Context, name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.entries[name]
	if !ok {
		return 0, errs.New(errs.NotFound).WithPath(name)
	}
	return int64(len(b)), nil
}

func (m *memStore) Rename(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.entries[from]
	if !ok {
		return errs.New(errs.NotFound).WithPath(from)
	}
	if _, exists := m.entries[to]; exists {
		return errs.New(errs.AlreadyExists).WithPath(to)
	}
	m.entries[to] = b
	delete(m.entries, from)
	return nil
}

func (m *memStore) OpenRead(ctx context.Context, name string) (io.ReadCloser, error) {
	b, err := m.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type memWriter struct {
	m    *memStore
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	return w.m.Write(context.Background(), w.name, w.buf.Bytes())
}

func (m *memStore) OpenWrite(_ context.Context, name string) (io.WriteCloser, error) {
	return &memWriter{m: m, name: name}, nil
}

func (m *memStore) Close() error { return nil }
