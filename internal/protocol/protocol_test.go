package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inbetweenies/inbetweenies/internal/model"
)

func sampleRequest() *SyncRequest {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &SyncRequest{
		ProtocolVersion: ProtocolVersion,
		DeviceID:        uuid.NewString(),
		UserID:          "alice",
		SyncType:        SyncDelta,
		VectorClock:     VectorClock{Clocks: map[string]string{"dev-1": "2025-06-01T11:00:00.000000Z-alice"}},
		Changes: []SyncChange{
			{
				ChangeType: ChangeCreate,
				Entity: &EntityChange{
					ID:         uuid.NewString(),
					Version:    "2025-06-01T12:00:00.000000Z-alice",
					EntityType: "device",
					Name:       "Lamp",
					Content:    model.Content{"power": "off", "brightness": float64(40)},
					SourceType: "manual",
					UserID:     "alice",
					CreatedAt:  now,
					UpdatedAt:  now,
				},
				Relationships: []RelationshipChange{{
					ID:                uuid.NewString(),
					FromEntityID:      "dev-id",
					FromEntityVersion: "2025-06-01T12:00:00.000000Z-alice",
					ToEntityID:        "room-id",
					ToEntityVersion:   "2025-06-01T11:00:00.000000Z-alice",
					RelationshipType:  "located_in",
					UserID:            "alice",
					CreatedAt:         now,
					UpdatedAt:         now,
				}},
			},
		},
		Filters: &SyncFilters{EntityTypes: []string{"device", "room"}},
	}
}

func TestRequestJSONRoundTrip(t *testing.T) {
	req := sampleRequest()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var back SyncRequest
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(req, &back) {
		t.Errorf("round trip mismatch:\n%+v\n%+v", req, &back)
	}
}

func TestResponseJSONRoundTrip(t *testing.T) {
	resp := &SyncResponse{
		SyncType: SyncFull,
		Changes:  []SyncChange{{ChangeType: ChangeCreate, Entity: sampleRequest().Changes[0].Entity}},
		Conflicts: []ConflictInfo{{
			EntityID:           "e1",
			LocalVersion:       "2025-06-01T10:00:00.000000Z-a",
			RemoteVersion:      "2025-06-01T11:00:00.000000Z-b",
			ResolutionStrategy: "merge",
			ResolvedVersion:    "2025-06-01T12:00:00.000000Z-sync-merge",
		}},
		VectorClock: VectorClock{Clocks: map[string]string{"dev-1": "v"}},
		SyncStats:   SyncStats{EntitiesSynced: 3, DurationMs: 12},
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var back SyncResponse
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(resp, &back) {
		t.Errorf("round trip mismatch:\n%+v\n%+v", resp, &back)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SyncRequest)
		wantErr bool
	}{
		{"valid", func(r *SyncRequest) {}, false},
		{"wrong protocol", func(r *SyncRequest) { r.ProtocolVersion = "inbetweenies-v1" }, true},
		{"missing device", func(r *SyncRequest) { r.DeviceID = "" }, true},
		{"missing user", func(r *SyncRequest) { r.UserID = "" }, true},
		{"bad sync type", func(r *SyncRequest) { r.SyncType = "incremental" }, true},
		{"bad change type", func(r *SyncRequest) { r.Changes[0].ChangeType = "upsert" }, true},
		{"empty change", func(r *SyncRequest) {
			r.Changes[0].Entity = nil
			r.Changes[0].Relationships = nil
		}, true},
		{"delete without entity", func(r *SyncRequest) {
			r.Changes[0].ChangeType = ChangeDelete
			r.Changes[0].Entity = nil
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleRequest()
			tt.mutate(req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEntityFromWireValidates(t *testing.T) {
	w := sampleRequest().Changes[0].Entity

	if _, err := EntityFromWire(w); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}

	bad := *w
	bad.EntityType = "gadget"
	if _, err := EntityFromWire(&bad); err == nil {
		t.Error("unknown entity type accepted")
	}

	bad = *w
	bad.Version = "not-a-version"
	if _, err := EntityFromWire(&bad); err == nil {
		t.Error("malformed version accepted")
	}
}

func TestEntityWireRoundTrip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := &model.Entity{
		ID:             uuid.NewString(),
		Version:        "2025-06-01T12:00:00.000000Z-alice",
		EntityType:     model.TypeDevice,
		Name:           "Lamp",
		Content:        model.Content{"power": "on"},
		SourceType:     model.SourceHomeKit,
		UserID:         "alice",
		ParentVersions: []string{"2025-06-01T11:00:00.000000Z-alice"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	back, err := EntityFromWire(EntityToWire(e))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(e, back) {
		t.Errorf("wire round trip mismatch:\n%+v\n%+v", e, back)
	}
}

func TestRelationshipFromWireValidates(t *testing.T) {
	now := time.Now().UTC()
	w := &RelationshipChange{
		ID:                uuid.NewString(),
		FromEntityID:      "a",
		FromEntityVersion: "2025-06-01T12:00:00.000000Z-alice",
		ToEntityID:        "b",
		ToEntityVersion:   "2025-06-01T12:00:00.000000Z-alice",
		RelationshipType:  "controls",
		UserID:            "alice",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := RelationshipFromWire(w); err != nil {
		t.Fatalf("valid relationship rejected: %v", err)
	}

	bad := *w
	bad.RelationshipType = "touches"
	if _, err := RelationshipFromWire(&bad); err == nil {
		t.Error("unknown relationship type accepted")
	}
}
