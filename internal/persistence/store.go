package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/conduit/pkg/api"
)

var (
	// ErrNotFound is returned when a did does not resolve to a stored
	// DeltaFile.
	ErrNotFound = errors.New("deltafile not found")

	// ErrDuplicate is returned when inserting a DeltaFile whose did
	// already exists.
	ErrDuplicate = errors.New("deltafile already exists")

	// ErrOptimisticConflict is returned by Update when the stored version
	// no longer matches the caller's snapshot. Callers reload and reapply;
	// the conflict is never surfaced to external callers.
	ErrOptimisticConflict = errors.New("deltafile version conflict")

	// ErrJoinGroupNotFound is returned when a join group id does not
	// resolve to a stored group.
	ErrJoinGroupNotFound = errors.New("join group not found")
)

// Filter selects DeltaFiles from the store.
// Empty string / zero values mean "no filter" for that field.
type Filter struct {
	DataSource string
	Stage      api.Stage
}

// DeltaFileStore is the document store holding DeltaFile state. It is
// the single source of truth; Update must be atomic per document and
// enforce the optimistic version check.
type DeltaFileStore interface {
	// Insert stores a new DeltaFile. Its Version is initialized to 1.
	Insert(ctx context.Context, deltaFile *api.DeltaFile) error

	// Update persists the DeltaFile if the stored version still equals
	// deltaFile.Version, then increments Version on the passed struct.
	// Returns ErrOptimisticConflict otherwise.
	Update(ctx context.Context, deltaFile *api.DeltaFile) error

	// Get returns the DeltaFile with the given did.
	Get(ctx context.Context, did uuid.UUID) (*api.DeltaFile, error)

	// List returns DeltaFiles matching the filter.
	List(ctx context.Context, filter Filter) ([]*api.DeltaFile, error)

	// StaleInFlight returns dids of in-flight DeltaFiles whose modified
	// timestamp is older than the cutoff. The result may be stale by the
	// time it is used; callers re-check after reload.
	StaleInFlight(ctx context.Context, olderThan time.Time) ([]uuid.UUID, error)

	// AutoResumeDue returns dids of errored DeltaFiles whose
	// nextAutoResume timestamp has passed.
	AutoResumeDue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// JoinMember is one DeltaFile waiting in a join group.
type JoinMember struct {
	Did         uuid.UUID `json:"did"`
	FlowNumber  int       `json:"flowNumber"`
	OrderingKey string    `json:"orderingKey,omitempty"`
	AddedAt     time.Time `json:"addedAt"`
}

// JoinGroup is the ephemeral coordination record for one fan-in, keyed
// by the computed join key. The Claimed flag is the sole exactly-once
// mechanism: whoever flips it triggers the aggregation.
type JoinGroup struct {
	ID         uuid.UUID    `json:"id"`
	JoinKey    string       `json:"joinKey"`
	FlowName   string       `json:"flowName"`
	Members    []JoinMember `json:"members"`
	MaxNum     int          `json:"maxNum"`
	Expiration time.Time    `json:"expiration"`
	Claimed    bool         `json:"claimed"`
}

// JoinStore persists join groups. Append and Claim must be atomic.
type JoinStore interface {
	// AppendMember adds a member to the unclaimed group for joinKey,
	// creating the group with the given expiration when none exists (or
	// when the existing one is already claimed). Returns the group after
	// the append.
	AppendMember(ctx context.Context, joinKey, flowName string, member JoinMember, maxNum int, expiration time.Time) (*JoinGroup, error)

	// Claim atomically flips the group's claimed flag. Returns false when
	// the group was already claimed or no longer exists; exactly one
	// caller ever gets true per group.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	// Expired returns unclaimed groups whose expiration has passed.
	Expired(ctx context.Context, now time.Time) ([]*JoinGroup, error)

	// Delete removes a group once its aggregation has been dispatched.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Persistence bundles the stores an engine needs.
type Persistence struct {
	DeltaFiles DeltaFileStore
	Joins      JoinStore
}

// NextAutoResume returns the earliest scheduled auto-resume across the
// DeltaFile's flows, or nil. Store implementations index this value so
// AutoResumeDue stays a cheap query.
func NextAutoResume(deltaFile *api.DeltaFile) *time.Time {
	var earliest *time.Time
	for _, flow := range deltaFile.Flows {
		if flow.NextAutoResume == nil {
			continue
		}
		if earliest == nil || flow.NextAutoResume.Before(*earliest) {
			earliest = flow.NextAutoResume
		}
	}
	return earliest
}
