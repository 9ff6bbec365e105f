package sync

// ParticipantRecord is one study subject as fetched from Ripple.
type ParticipantRecord struct {
	SourceID          string
	RedcapID          string
	StudyID           string
	SendFlag          bool
	Payload           Payload
	LastSyncedVersion string
	Source            Source
}

// Payload holds REDCap variable values, rendered as REDCap flat strings.
type Payload map[string]interface{}

func (p Payload) GetFields() map[string]interface{} {
	return p
}

func (p Payload) SetField(key string, value interface{}) {
	p[key] = value
}

func (p Payload) DeleteField(key string) {
	delete(p, key)
}

func (p Payload) Clone() Payload {
	result := make(Payload, len(p))
	for k, v := range p {
		result[k] = v
	}
	return result
}

type DecisionKind int

const (
	DecisionSkip DecisionKind = iota
	DecisionInsert
	DecisionUpdate
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionInsert:
		return "insert"
	case DecisionUpdate:
		return "update"
	default:
		return "skip"
	}
}

const (
	SkipNotFlagged      = "not flagged"
	SkipDuplicateInRun  = "duplicate in run"
	SkipInvalidSourceID = "invalid source id"
)

// SyncDecision is derived per record per run and never persisted.
type SyncDecision struct {
	Kind             DecisionKind
	Record           ParticipantRecord
	ExistingRedcapID string
	Reason           string
	Cause            error
}
