package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagged(id, study string) ParticipantRecord {
	return ParticipantRecord{SourceID: id, StudyID: study, SendFlag: true}
}

func TestClassify(t *testing.T) {
	records := []ParticipantRecord{
		flagged("P1", "HBN - Main"),
		flagged("P2", "HBN - Main"),
		{SourceID: "P3", StudyID: "HBN - Main", SendFlag: false},
		flagged("P4", "HBN - Waitlist"),
	}
	existing := map[string]string{"P2": "17"}

	decisions := Classify(records, existing)
	require.Len(t, decisions, len(records))

	assert.Equal(t, DecisionInsert, decisions[0].Kind)
	assert.Equal(t, DecisionUpdate, decisions[1].Kind)
	assert.Equal(t, "17", decisions[1].ExistingRedcapID)
	assert.Equal(t, "17", decisions[1].Record.RedcapID)
	assert.Equal(t, DecisionSkip, decisions[2].Kind)
	assert.Equal(t, SkipNotFlagged, decisions[2].Reason)
	assert.Equal(t, DecisionInsert, decisions[3].Kind)

	for i, d := range decisions {
		assert.Equal(t, records[i].SourceID, d.Record.SourceID, "decisions keep input order")
	}
}

func TestClassify_DuplicateInRun(t *testing.T) {
	records := []ParticipantRecord{
		flagged("P1", "HBN - Main"),
		flagged("P1", "HBN - Waitlist"),
	}

	t.Run("insert", func(t *testing.T) {
		decisions := Classify(records, nil)
		require.Len(t, decisions, 2)
		assert.Equal(t, DecisionInsert, decisions[0].Kind)
		assert.Equal(t, "HBN - Main", decisions[0].Record.StudyID)
		assert.Equal(t, DecisionSkip, decisions[1].Kind)
		assert.Equal(t, SkipDuplicateInRun, decisions[1].Reason)
		assert.True(t, errors.Is(decisions[1].Cause, ErrDuplicateRecord))
		assert.Equal(t, KindDuplicateRecord, KindOf(decisions[1].Cause))
	})

	t.Run("update", func(t *testing.T) {
		decisions := Classify(records, map[string]string{"P1": "5"})
		assert.Equal(t, DecisionUpdate, decisions[0].Kind)
		assert.Equal(t, DecisionSkip, decisions[1].Kind)
	})
}

func TestClassify_UnflaggedDoesNotClaim(t *testing.T) {
	records := []ParticipantRecord{
		{SourceID: "P1", StudyID: "HBN - Main", SendFlag: false},
		flagged("P1", "HBN - Waitlist"),
	}
	decisions := Classify(records, nil)
	assert.Equal(t, SkipNotFlagged, decisions[0].Reason)
	assert.Equal(t, DecisionInsert, decisions[1].Kind)
}

func TestClassify_InvalidSourceID(t *testing.T) {
	for _, id := range []string{"", `P"1`, "P'1", "[P1]", "P1\n"} {
		decisions := Classify([]ParticipantRecord{flagged(id, "HBN - Main")}, nil)
		require.Len(t, decisions, 1)
		assert.Equal(t, DecisionSkip, decisions[0].Kind, "id %q", id)
		assert.Equal(t, SkipInvalidSourceID, decisions[0].Reason, "id %q", id)
	}
}

func TestClassify_Total(t *testing.T) {
	var records []ParticipantRecord
	for i := 0; i < 50; i++ {
		records = append(records, ParticipantRecord{
			SourceID: fmt.Sprintf("P%d", i%7),
			StudyID:  "HBN - Main",
			SendFlag: i%3 != 0,
		})
	}
	existing := map[string]string{"P1": "1", "P4": "4"}

	decisions := Classify(records, existing)
	require.Len(t, decisions, len(records))

	writes := map[string]int{}
	for _, d := range decisions {
		switch d.Kind {
		case DecisionInsert, DecisionUpdate:
			writes[d.Record.SourceID]++
			_, found := existing[d.Record.SourceID]
			assert.Equal(t, found, d.Kind == DecisionUpdate)
		case DecisionSkip:
			assert.NotEmpty(t, d.Reason)
		}
	}
	for id, n := range writes {
		assert.Equal(t, 1, n, "source id %s written once", id)
	}
}

func TestClassify_Empty(t *testing.T) {
	assert.Empty(t, Classify(nil, nil))
}

func TestLookupIDs(t *testing.T) {
	records := []ParticipantRecord{
		flagged("P1", "HBN - Main"),
		{SourceID: "P2", StudyID: "HBN - Main"},
		flagged("P1", "HBN - Waitlist"),
		flagged("P3", "HBN - Waitlist"),
		flagged("", "HBN - Waitlist"),
	}
	assert.Equal(t, map[string][]string{
		"HBN - Main":     {"P1"},
		"HBN - Waitlist": {"P3"},
	}, lookupIDs(records))
}
