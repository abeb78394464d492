package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

// InMemoryStore is a goroutine-safe DeltaFileStore and JoinStore backed
// by maps. DeltaFiles are stored as encoded documents so readers never
// alias writer state, which keeps the optimistic version check honest.
type InMemoryStore struct {
	mu         sync.RWMutex
	deltaFiles map[uuid.UUID][]byte
	versions   map[uuid.UUID]int64
	joins      map[uuid.UUID]*JoinGroup
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deltaFiles: make(map[uuid.UUID][]byte),
		versions:   make(map[uuid.UUID]int64),
		joins:      make(map[uuid.UUID]*JoinGroup),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ DeltaFileStore = (*InMemoryStore)(nil)

var _ JoinStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Insert(ctx context.Context, deltaFile *api.DeltaFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deltaFiles[deltaFile.Did]; ok {
		return ErrDuplicate
	}

	deltaFile.Version = 1
	data, err := EncodeDeltaFile(deltaFile)
	if err != nil {
		return err
	}
	s.deltaFiles[deltaFile.Did] = data
	s.versions[deltaFile.Did] = 1
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, deltaFile *api.DeltaFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.versions[deltaFile.Did]
	if !ok {
		return ErrNotFound
	}
	if stored != deltaFile.Version {
		return ErrOptimisticConflict
	}

	deltaFile.Version++
	data, err := EncodeDeltaFile(deltaFile)
	if err != nil {
		deltaFile.Version--
		return err
	}
	s.deltaFiles[deltaFile.Did] = data
	s.versions[deltaFile.Did] = deltaFile.Version
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error) {
	s.mu.RLock()
	data, ok := s.deltaFiles[did]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return DecodeDeltaFile(data)
}

func (s *InMemoryStore) List(ctx context.Context, filter Filter) ([]*api.DeltaFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.DeltaFile
	for _, data := range s.deltaFiles {
		deltaFile, err := DecodeDeltaFile(data)
		if err != nil {
			return nil, err
		}
		if filter.DataSource != "" && deltaFile.DataSource != filter.DataSource {
			continue
		}
		if filter.Stage != "" && deltaFile.Stage != filter.Stage {
			continue
		}
		result = append(result, deltaFile)
	}
	return result, nil
}

func (s *InMemoryStore) StaleInFlight(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dids []uuid.UUID
	for did, data := range s.deltaFiles {
		deltaFile, err := DecodeDeltaFile(data)
		if err != nil {
			return nil, err
		}
		if !deltaFile.Modified.Before(olderThan) {
			continue
		}
		switch deltaFile.Stage {
		case api.StageInFlight:
			dids = append(dids, did)
		case api.StageError:
			// An errored sibling flow does not stop requeueing the
			// flows still waiting on a worker.
			if deltaFile.HasQueuedAction() {
				dids = append(dids, did)
			}
		}
	}
	return dids, nil
}

func (s *InMemoryStore) AutoResumeDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var dids []uuid.UUID
	for did, data := range s.deltaFiles {
		deltaFile, err := DecodeDeltaFile(data)
		if err != nil {
			return nil, err
		}
		if deltaFile.Stage != api.StageError {
			continue
		}
		for _, flow := range deltaFile.Flows {
			if flow.NextAutoResume != nil && !flow.NextAutoResume.After(now) {
				dids = append(dids, did)
				break
			}
		}
	}
	return dids, nil
}

func (s *InMemoryStore) AppendMember(ctx context.Context, joinKey, flowName string, member JoinMember, maxNum int, expiration time.Time) (*JoinGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, group := range s.joins {
		if group.JoinKey == joinKey && group.FlowName == flowName && !group.Claimed {
			group.Members = append(group.Members, member)
			return copyJoinGroup(group), nil
		}
	}

	group := &JoinGroup{
		ID:         uuid.New(),
		JoinKey:    joinKey,
		FlowName:   flowName,
		Members:    []JoinMember{member},
		MaxNum:     maxNum,
		Expiration: expiration,
	}
	s.joins[group.ID] = group
	return copyJoinGroup(group), nil
}

func (s *InMemoryStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.joins[id]
	if !ok || group.Claimed {
		return false, nil
	}
	group.Claimed = true
	return true, nil
}

func (s *InMemoryStore) Expired(ctx context.Context, now time.Time) ([]*JoinGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []*JoinGroup
	for _, group := range s.joins {
		if !group.Claimed && !group.Expiration.After(now) {
			expired = append(expired, copyJoinGroup(group))
		}
	}
	return expired, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.joins, id)
	return nil
}

func copyJoinGroup(group *JoinGroup) *JoinGroup {
	members := make([]JoinMember, len(group.Members))
	copy(members, group.Members)
	out := *group
	out.Members = members
	return &out
}
