package pacing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lkarlslund/duckbridge/pkg/cache"
)

// ErrVersionConflict is returned by Store.Save when the record changed since
// the snapshot was loaded.
var ErrVersionConflict = errors.New("pacing record version conflict")

// Store persists the shared record. Save succeeds only if the stored version
// still equals snap.Version, and then stores it as snap.Version+1.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: Snapshot{State: State{RequestTimestamps: []int64{}}}}
}

func (m *MemoryStore) Load(context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.snap.State.clone(), Version: m.snap.Version}, nil
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Version != m.snap.Version {
		return ErrVersionConflict
	}
	m.snap = Snapshot{State: snap.State.clone(), Version: snap.Version + 1}
	return nil
}

// FileStore keeps the record in a JSON file that every process on the host
// can reach. Version checks are serialized within the process; two processes
// racing between read and rename can still lose an update, which pacing
// tolerates.
type FileStore struct {
	mu   sync.Mutex
	file *cache.JSONFile
}

func NewFileStore(path string) *FileStore {
	return &FileStore{file: cache.NewJSONFile(path)}
}

func (f *FileStore) Path() string {
	return f.file.Path
}

func (f *FileStore) Load(context.Context) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) loadLocked() (Snapshot, error) {
	b, err := f.file.ReadRaw()
	if errors.Is(err, cache.ErrNotFound) {
		return Snapshot{State: State{RequestTimestamps: []int64{}}}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap, err := decodeRecord(b)
	if err != nil {
		// A corrupt record is replaced on the next save rather than wedging pacing.
		return Snapshot{State: State{RequestTimestamps: []int64{}}}, nil
	}
	return snap, nil
}

func (f *FileStore) Save(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, err := f.loadLocked()
	if err != nil {
		return err
	}
	if cur.Version != snap.Version {
		return ErrVersionConflict
	}
	b, err := encodeRecord(Snapshot{State: snap.State, Version: snap.Version + 1})
	if err != nil {
		return fmt.Errorf("encode pacing record: %w", err)
	}
	return f.file.Save(rawJSON(b))
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return r, nil
}
