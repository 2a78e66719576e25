package scanning

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/nanisaisampath/brr-demo-new-ui-2025/internal/domain/scanning"
)

// memProgressStore is a minimal in-memory scanning.ProgressStore for tests.
// It applies the same merge semantics as the production store.
type memProgressStore struct {
	mu      sync.Mutex
	records map[string]*scanning.ProgressRecord
	updates []scanning.ProgressUpdate
}

func newMemProgressStore() *memProgressStore {
	return &memProgressStore{records: make(map[string]*scanning.ProgressRecord)}
}

func (m *memProgressStore) Update(sessionID string, update scanning.ProgressUpdate) error {
	if err := scanning.ValidateSessionID(sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		rec = &scanning.ProgressRecord{SessionID: sessionID}
		m.records[sessionID] = rec
	}
	if err := rec.Apply(update, time.Now()); err != nil {
		return err
	}
	m.updates = append(m.updates, update)
	return nil
}

func (m *memProgressStore) Get(sessionID string) (scanning.ProgressRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[sessionID]
	if !ok {
		return scanning.ProgressRecord{}, scanning.ErrSessionNotFound
	}
	return *rec, nil
}

func (m *memProgressStore) Clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
}

func (m *memProgressStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *memProgressStore) mustGet(sessionID string) scanning.ProgressRecord {
	rec, _ := m.Get(sessionID)
	return rec
}

// fakeObjectStore serves object bodies from memory with per-key overrides
// for error injection.
type fakeObjectStore struct {
	mu       sync.Mutex
	listing  []scanning.Object
	listErr  error
	bodies   map[string][]byte
	getErr   map[string]error
	getHook  func(key string) (io.ReadCloser, int64, error)
	inFlight int
	maxSeen  int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		bodies: make(map[string][]byte),
		getErr: make(map[string]error),
	}
}

func (f *fakeObjectStore) addObject(key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listing = append(f.listing, scanning.Object{Key: key, Size: int64(len(body))})
	f.bodies[key] = body
}

func (f *fakeObjectStore) ListObjects(ctx context.Context, prefix string) ([]scanning.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]scanning.Object(nil), f.listing...), nil
}

func (f *fakeObjectStore) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	hook := f.getHook
	err := f.getErr[key]
	body := f.bodies[key]
	f.mu.Unlock()

	if hook != nil {
		return hook(key)
	}
	if err != nil {
		f.release()
		return nil, 0, err
	}
	return &trackedBody{data: body, store: f}, int64(len(body)), nil
}

func (f *fakeObjectStore) release() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeObjectStore) maxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}

// trackedBody serves bytes slowly enough for concurrency accounting and
// decrements the in-flight gauge on close.
type trackedBody struct {
	data   []byte
	off    int
	store  *fakeObjectStore
	closed bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	// Hold the slot briefly so overlapping transfers are observable.
	time.Sleep(time.Millisecond)
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

func (b *trackedBody) Close() error {
	if !b.closed {
		b.closed = true
		b.store.release()
	}
	return nil
}

// stallingBody blocks every Read until the body is closed, simulating a
// connection that stops delivering bytes.
type stallingBody struct {
	once   sync.Once
	closed chan struct{}
}

func newStallingBody() *stallingBody {
	return &stallingBody{closed: make(chan struct{})}
}

func (b *stallingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *stallingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}
