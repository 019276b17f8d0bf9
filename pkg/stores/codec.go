package stores

import (
	"fmt"
	"time"

	"github.com/stackform/stackform/pkg/engine"
)

// storedRecord is the serialized form of engine.RecordedState shared by
// both back-ends. Attribute values are encoded as plain JSON data with
// ref:// tokens.
type storedRecord struct {
	Identity   string         `json:"identity"`
	ExternalID string         `json:"external_id"`
	Attrs      map[string]any `json:"attrs"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	AppliedAt  time.Time      `json:"applied_at"`
	Serial     int64          `json:"serial"`
}

func encodeRecord(state *engine.RecordedState) storedRecord {
	rec := storedRecord{
		Identity:   state.Identity.String(),
		ExternalID: state.ExternalID,
		Attrs:      engine.EncodeMap(state.Attrs),
		AppliedAt:  state.AppliedAt,
		Serial:     state.Serial,
	}
	for _, dep := range state.DependsOn {
		rec.DependsOn = append(rec.DependsOn, dep.String())
	}
	return rec
}

func decodeRecord(rec storedRecord) (*engine.RecordedState, error) {
	id, err := engine.ParseIdentity(rec.Identity)
	if err != nil {
		return nil, fmt.Errorf("corrupt state record: %w", err)
	}
	attrs, err := engine.DecodeMap(rec.Attrs)
	if err != nil {
		return nil, fmt.Errorf("corrupt state record %s: %w", rec.Identity, err)
	}
	state := &engine.RecordedState{
		Identity:   id,
		ExternalID: rec.ExternalID,
		Attrs:      attrs,
		AppliedAt:  rec.AppliedAt,
		Serial:     rec.Serial,
	}
	for _, dep := range rec.DependsOn {
		depID, err := engine.ParseIdentity(dep)
		if err != nil {
			return nil, fmt.Errorf("corrupt state record %s: %w", rec.Identity, err)
		}
		state.DependsOn = append(state.DependsOn, depID)
	}
	return state, nil
}
