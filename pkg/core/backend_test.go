package core_test

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/oceanbase/profilestore-go/pkg/storage"
)

var errBackendDown = errors.New("backend down")

// memoryBackend is an in-memory storage.Backend that counts calls and can
// be told to fail or panic.
type memoryBackend struct {
	mu          sync.Mutex
	name        string
	data        map[storage.Key]*storage.Profile
	initialized bool
	calls       map[string]int

	failOps    map[string]error
	panicOps   map[string]bool
	failOwners map[uuid.UUID]error

	// batchLimit caps how many profiles one SaveBatch accepts; 0 is unlimited.
	batchLimit int

	// loadAllHook runs at the start of LoadAll, outside the lock.
	loadAllHook func(uuid.UUID)

	// saveBatchHook runs at the start of SaveBatch, outside the lock.
	saveBatchHook func()

	shutdowns int
}

func newMemoryBackend(name string) *memoryBackend {
	return &memoryBackend{
		name:       name,
		data:       make(map[storage.Key]*storage.Profile),
		calls:      make(map[string]int),
		failOps:    make(map[string]error),
		panicOps:   make(map[string]bool),
		failOwners: make(map[uuid.UUID]error),
	}
}

func (b *memoryBackend) enter(op string) error {
	b.mu.Lock()
	b.calls[op]++
	shouldPanic := b.panicOps[op]
	err := b.failOps[op]
	b.mu.Unlock()
	if shouldPanic {
		panic(op + " exploded")
	}
	return err
}

func (b *memoryBackend) failOn(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failOps, op)
		return
	}
	b.failOps[op] = err
}

func (b *memoryBackend) panicOn(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.panicOps[op] = true
}

func (b *memoryBackend) callCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *memoryBackend) totalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

func (b *memoryBackend) stored(key storage.Key) *storage.Profile {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key].Clone()
}

func (b *memoryBackend) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *memoryBackend) put(p *storage.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[p.Key()] = p.Clone()
}

func (b *memoryBackend) Initialize(ctx context.Context) error {
	if err := b.enter("Initialize"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = true
	return nil
}

func (b *memoryBackend) Shutdown() error {
	b.mu.Lock()
	b.shutdowns++
	b.initialized = false
	b.mu.Unlock()
	return b.enter("Shutdown")
}

func (b *memoryBackend) Save(ctx context.Context, p *storage.Profile) error {
	if err := b.enter("Save"); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	b.put(p)
	return nil
}

func (b *memoryBackend) Load(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (*storage.Profile, error) {
	if err := b.enter("Load"); err != nil {
		return nil, err
	}
	modes := []storage.Mode{mode}
	if mode == storage.ModeAny {
		modes = storage.Modes()
	}
	for _, m := range modes {
		if p := b.stored(storage.Key{OwnerID: ownerID, Group: group, Mode: m}); p != nil {
			return p, nil
		}
	}
	return nil, nil
}

func (b *memoryBackend) LoadAll(ctx context.Context, ownerID uuid.UUID) (map[storage.Key]*storage.Profile, error) {
	if b.loadAllHook != nil {
		b.loadAllHook(ownerID)
	}
	if err := b.enter("LoadAll"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failOwners[ownerID]; err != nil {
		return nil, err
	}
	out := make(map[storage.Key]*storage.Profile)
	for k, p := range b.data {
		if k.OwnerID == ownerID {
			out[k] = p.Clone()
		}
	}
	return out, nil
}

func (b *memoryBackend) Delete(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	if err := b.enter("Delete"); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	deleted := false
	for k := range b.data {
		if k.OwnerID == ownerID && k.Group == group && (mode == storage.ModeAny || k.Mode == mode) {
			delete(b.data, k)
			deleted = true
		}
	}
	return deleted, nil
}

func (b *memoryBackend) DeleteAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if err := b.enter("DeleteAll"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k := range b.data {
		if k.OwnerID == ownerID {
			delete(b.data, k)
			removed++
		}
	}
	return removed, nil
}

func (b *memoryBackend) SaveBatch(ctx context.Context, profiles []*storage.Profile) (int, error) {
	if b.saveBatchHook != nil {
		b.saveBatchHook()
	}
	if err := b.enter("SaveBatch"); err != nil {
		return 0, err
	}
	for i, p := range profiles {
		if b.batchLimit > 0 && i >= b.batchLimit {
			return i, errors.New("batch limit reached")
		}
		if err := p.Validate(); err != nil {
			return i, err
		}
		b.put(p)
	}
	return len(profiles), nil
}

func (b *memoryBackend) Exists(ctx context.Context, ownerID uuid.UUID, group string, mode storage.Mode) (bool, error) {
	p, err := b.Load(ctx, ownerID, group, mode)
	return p != nil, err
}

func (b *memoryBackend) AllOwnerIDs(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	if err := b.enter("AllOwnerIDs"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	owners := make(map[uuid.UUID]struct{})
	for k := range b.data {
		owners[k.OwnerID] = struct{}{}
	}
	return owners, nil
}

func (b *memoryBackend) GroupsFor(ctx context.Context, ownerID uuid.UUID) (map[string]struct{}, error) {
	if err := b.enter("GroupsFor"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	groups := make(map[string]struct{})
	for k := range b.data {
		if k.OwnerID == ownerID {
			groups[k.Group] = struct{}{}
		}
	}
	return groups, nil
}

func (b *memoryBackend) EntryCount(ctx context.Context) (int, error) {
	if err := b.enter("EntryCount"); err != nil {
		return 0, err
	}
	return b.size(), nil
}

func (b *memoryBackend) ApproximateSizeBytes(ctx context.Context) (int64, error) {
	if err := b.enter("ApproximateSizeBytes"); err != nil {
		return 0, err
	}
	return int64(b.size()) * 512, nil
}

func (b *memoryBackend) IsHealthy(ctx context.Context) bool {
	if err := b.enter("IsHealthy"); err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *memoryBackend) Name() string {
	return b.name
}
