package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/petrijr/conduit/pkg/api"
)

// EncodeDeltaFile serializes a DeltaFile to its persisted JSON document
// shape, stamping the current schema version.
func EncodeDeltaFile(deltaFile *api.DeltaFile) ([]byte, error) {
	deltaFile.SchemaVersion = api.CurrentSchemaVersion
	return json.Marshal(deltaFile)
}

// DecodeDeltaFile deserializes a persisted DeltaFile document, applying
// schema migrations for documents written by older engine versions.
func DecodeDeltaFile(data []byte) (*api.DeltaFile, error) {
	var deltaFile api.DeltaFile
	if err := json.Unmarshal(data, &deltaFile); err != nil {
		return nil, fmt.Errorf("decode deltafile: %w", err)
	}
	if deltaFile.SchemaVersion > api.CurrentSchemaVersion {
		return nil, fmt.Errorf("deltafile %s has schema version %d, newer than supported %d",
			deltaFile.Did, deltaFile.SchemaVersion, api.CurrentSchemaVersion)
	}
	if deltaFile.SchemaVersion < api.CurrentSchemaVersion {
		migrateDeltaFile(&deltaFile)
	}
	return &deltaFile, nil
}

// migrateDeltaFile upgrades a decoded document in place to the current
// schema version.
func migrateDeltaFile(deltaFile *api.DeltaFile) {
	// v1 documents predate derived byte counters.
	if deltaFile.SchemaVersion < 2 {
		deltaFile.RecalculateBytes()
	}
	// v2 documents predate the published marker; any flow that finished
	// back then has already been routed.
	if deltaFile.SchemaVersion < 3 {
		for _, f := range deltaFile.Flows {
			switch f.State {
			case api.FlowStateComplete, api.FlowStatePendingAnnotations:
				f.Published = true
			}
		}
	}
	deltaFile.SchemaVersion = api.CurrentSchemaVersion
}

// CloneDeltaFile deep-copies a DeltaFile by round-tripping it through
// the codec. The in-memory store uses it so callers never alias stored
// state.
func CloneDeltaFile(deltaFile *api.DeltaFile) (*api.DeltaFile, error) {
	data, err := EncodeDeltaFile(deltaFile)
	if err != nil {
		return nil, err
	}
	return DecodeDeltaFile(data)
}

// EncodeJoinGroup serializes a join group document.
func EncodeJoinGroup(group *JoinGroup) ([]byte, error) {
	return json.Marshal(group)
}

// DecodeJoinGroup deserializes a join group document.
func DecodeJoinGroup(data []byte) (*JoinGroup, error) {
	var group JoinGroup
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, fmt.Errorf("decode join group: %w", err)
	}
	return &group, nil
}

func encodeMembers(members []JoinMember) (string, error) {
	data, err := json.Marshal(members)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMembers(data string) ([]JoinMember, error) {
	var members []JoinMember
	if err := json.Unmarshal([]byte(data), &members); err != nil {
		return nil, fmt.Errorf("decode join members: %w", err)
	}
	return members, nil
}
