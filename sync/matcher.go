package sync

import "strings"

// Classify decides what to do with every fetched record, in input order.
// It returns exactly one decision per record and performs no I/O.
//
// A record that is not flagged is skipped. Among flagged records a source id
// is claimed by its first occurrence; later ones are skipped as duplicates.
// A claimed source id found in existing is an update of that record, otherwise an insert.
func Classify(records []ParticipantRecord, existing map[string]string) []SyncDecision {
	decisions := make([]SyncDecision, 0, len(records))
	claimed := make(map[string]bool, len(records))
	for _, record := range records {
		decision := SyncDecision{Kind: DecisionSkip, Record: record}
		switch {
		case !record.SendFlag:
			decision.Reason = SkipNotFlagged
		case !ValidSourceID(record.SourceID):
			decision.Reason = SkipInvalidSourceID
		case claimed[record.SourceID]:
			decision.Reason = SkipDuplicateInRun
			decision.Cause = ErrDuplicateRecord
		default:
			claimed[record.SourceID] = true
			if redcapID, found := existing[record.SourceID]; found {
				decision.Kind = DecisionUpdate
				decision.ExistingRedcapID = redcapID
				decision.Record.RedcapID = redcapID
			} else {
				decision.Kind = DecisionInsert
			}
		}
		decisions = append(decisions, decision)
	}
	return decisions
}

// ValidSourceID rejects ids that are empty or could not be quoted inside REDCap filter logic.
func ValidSourceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "\"'[]\n\r")
}

// lookupIDs groups the source ids worth looking up in REDCap by study.
// A source id is only looked up in the project of the record that will claim it,
// so the merged existence map never points a write at another study's project.
func lookupIDs(records []ParticipantRecord) map[string][]string {
	result := make(map[string][]string)
	seen := make(map[string]bool)
	for _, record := range records {
		if !record.SendFlag || !ValidSourceID(record.SourceID) || seen[record.SourceID] {
			continue
		}
		seen[record.SourceID] = true
		result[record.StudyID] = append(result[record.StudyID], record.SourceID)
	}
	return result
}
