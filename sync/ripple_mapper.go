package sync

import "fmt"

// RippleMapper renders a Ripple row into the REDCap payload written for it.
type RippleMapper struct {
	*SyncContext
}

// MapPayload maps the configured fields, applies transforms and adds the
// correlation and version variables.
func (m *RippleMapper) MapPayload(record ParticipantRecord) (Payload, error) {
	payload := Payload{}
	if err := MapFields(m.Config.FieldMappings, record.Source, payload); err != nil {
		return nil, malformed(Ripple, "map", fmt.Errorf("record %s: %w", record.SourceID, err))
	}
	err := ApplyFieldTransforms(ApplyFieldTransformsParams{
		Transforms:  m.Config.FieldTransforms,
		Destination: payload,
		Logger:      m.logger().With("source_id", record.SourceID),
	})
	if err != nil {
		return nil, malformed(Ripple, "map", fmt.Errorf("record %s: %w", record.SourceID, err))
	}
	payload.SetField(m.Config.REDCap.SourceIDField, record.SourceID)
	if m.Config.REDCap.VersionField != "" {
		payload.SetField(m.Config.REDCap.VersionField, record.LastSyncedVersion)
	}
	return payload, nil
}
