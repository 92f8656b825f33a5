package placement

import (
	"context"
	"sort"
	"sync"

	"github.com/fluxorio/replstream/pkg/model"
)

// MemoryStore keeps range metadata in process. It backs single-node setups,
// the NATS placement server in tests and the stream tests.
type MemoryStore struct {
	mu     sync.RWMutex
	node   string
	ranges map[int64][]model.RangeMetadata
}

// NewMemoryStore creates an empty store. node is recorded on every range it
// creates.
func NewMemoryStore(node string) *MemoryStore {
	return &MemoryStore{node: node, ranges: make(map[int64][]model.RangeMetadata)}
}

func (m *MemoryStore) ListRanges(ctx context.Context, streamID int64) ([]model.RangeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.RangeMetadata, len(m.ranges[streamID]))
	copy(out, m.ranges[streamID])
	return out, nil
}

func (m *MemoryStore) CreateRange(ctx context.Context, streamID int64, epoch uint64, index int32, start uint64) (model.RangeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return model.RangeMetadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateCreate(m.ranges[streamID], index, start); err != nil {
		return model.RangeMetadata{}, err
	}
	meta := model.RangeMetadata{StreamID: streamID, Epoch: epoch, Index: index, Start: start, Node: m.node}
	list := append(m.ranges[streamID], meta)
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	m.ranges[streamID] = list
	return meta, nil
}

func (m *MemoryStore) SealRange(ctx context.Context, meta model.RangeMetadata) (model.RangeMetadata, error) {
	if err := ctx.Err(); err != nil {
		return model.RangeMetadata{}, err
	}
	if meta.End == nil {
		return model.RangeMetadata{}, ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.ranges[meta.StreamID]
	for i := range list {
		if list[i].Index != meta.Index {
			continue
		}
		if list[i].End != nil {
			if *list[i].End != *meta.End {
				return model.RangeMetadata{}, ErrConflict
			}
			return list[i], nil
		}
		list[i] = list[i].WithEnd(*meta.End)
		return list[i], nil
	}
	return model.RangeMetadata{}, ErrRangeNotFound
}
