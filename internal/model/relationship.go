package model

import (
	"fmt"
	"time"
)

// RelationshipType is the closed set of edge kinds
type RelationshipType string

const (
	RelLocatedIn    RelationshipType = "located_in"
	RelControls     RelationshipType = "controls"
	RelConnectsTo   RelationshipType = "connects_to"
	RelPartOf       RelationshipType = "part_of"
	RelManages      RelationshipType = "manages"
	RelDocumentedBy RelationshipType = "documented_by"
	RelProcedureFor RelationshipType = "procedure_for"
	RelTriggeredBy  RelationshipType = "triggered_by"
	RelDependsOn    RelationshipType = "depends_on"
	RelContainedIn  RelationshipType = "contained_in"
	RelMonitors     RelationshipType = "monitors"
	RelAutomates    RelationshipType = "automates"
)

var relationshipTypes = map[RelationshipType]bool{
	RelLocatedIn: true, RelControls: true, RelConnectsTo: true,
	RelPartOf: true, RelManages: true, RelDocumentedBy: true,
	RelProcedureFor: true, RelTriggeredBy: true, RelDependsOn: true,
	RelContainedIn: true, RelMonitors: true, RelAutomates: true,
}

// ParseRelationshipType parses a relationship type string strictly
func ParseRelationshipType(s string) (RelationshipType, error) {
	rt := RelationshipType(s)
	if !relationshipTypes[rt] {
		return "", fmt.Errorf("unknown relationship type %q", s)
	}
	return rt, nil
}

// Valid reports whether the relationship type is a member of the closed enum
func (t RelationshipType) Valid() bool { return relationshipTypes[t] }

// Relationship is a directed typed edge between two specific entity versions
type Relationship struct {
	ID                string           `json:"id"`
	FromEntityID      string           `json:"from_entity_id"`
	FromEntityVersion string           `json:"from_entity_version"`
	ToEntityID        string           `json:"to_entity_id"`
	ToEntityVersion   string           `json:"to_entity_version"`
	RelationshipType  RelationshipType `json:"relationship_type"`
	Properties        Content          `json:"properties"`
	UserID            string           `json:"user_id"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Validate checks structural invariants on a relationship
func (r *Relationship) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("relationship id is empty")
	}
	if r.FromEntityID == "" || r.ToEntityID == "" {
		return fmt.Errorf("relationship %s: endpoint entity id is empty", r.ID)
	}
	if !r.RelationshipType.Valid() {
		return fmt.Errorf("relationship %s: unknown relationship type %q", r.ID, r.RelationshipType)
	}
	if err := ValidateContent(r.Properties); err != nil {
		return fmt.Errorf("relationship %s: %w", r.ID, err)
	}
	return nil
}

type typePair struct {
	from EntityType
	to   EntityType
}

// allowedPairs is the full authority for which (from, to) entity type
// combinations each relationship type admits. Unlisted pairs are rejected.
var allowedPairs = map[RelationshipType][]typePair{
	RelLocatedIn: {
		{TypeDevice, TypeRoom}, {TypeDevice, TypeZone},
		{TypeRoom, TypeZone}, {TypeRoom, TypeHome}, {TypeZone, TypeHome},
	},
	RelControls: {
		{TypeDevice, TypeDevice}, {TypeAutomation, TypeDevice},
		{TypeSchedule, TypeDevice}, {TypeSchedule, TypeAutomation},
	},
	RelConnectsTo: {
		{TypeRoom, TypeRoom}, {TypeDoor, TypeRoom}, {TypeWindow, TypeRoom},
		{TypeZone, TypeZone},
	},
	RelPartOf: {
		{TypeRoom, TypeHome}, {TypeZone, TypeHome}, {TypeDevice, TypeZone},
	},
	RelManages: {
		{TypeHome, TypeRoom}, {TypeHome, TypeDevice}, {TypeHome, TypeZone},
	},
	RelDocumentedBy: {
		{TypeDevice, TypeManual}, {TypeDevice, TypeProcedure},
		{TypeHome, TypeManual}, {TypeRoom, TypeNote},
	},
	RelProcedureFor: {
		{TypeProcedure, TypeDevice}, {TypeProcedure, TypeHome},
	},
	RelTriggeredBy: {
		{TypeAutomation, TypeDevice}, {TypeAutomation, TypeSchedule},
	},
	RelDependsOn: {
		{TypeDevice, TypeDevice}, {TypeAutomation, TypeDevice},
		{TypeAutomation, TypeSchedule},
	},
	RelContainedIn: {
		{TypeDevice, TypeRoom}, {TypeDevice, TypeZone},
		{TypeDoor, TypeRoom}, {TypeWindow, TypeRoom},
	},
	RelMonitors: {
		{TypeDevice, TypeRoom}, {TypeDevice, TypeZone}, {TypeDevice, TypeDevice},
	},
	RelAutomates: {
		{TypeAutomation, TypeDevice}, {TypeAutomation, TypeRoom},
		{TypeAutomation, TypeZone},
	},
}

// RelationshipValid reports whether relType admits an edge from one entity
// type to another
func RelationshipValid(from, to EntityType, relType RelationshipType) bool {
	for _, p := range allowedPairs[relType] {
		if p.from == from && p.to == to {
			return true
		}
	}
	return false
}
