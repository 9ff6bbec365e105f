package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RippleExportSinceFormat is the date format of surveyExportSince.
const RippleExportSinceFormat = "2006-01-02"

type RippleError map[string]interface{}

type Source struct {
	data gjson.Result
}

// NewSource wraps a raw JSON document.
func NewSource(json string) Source {
	return Source{data: gjson.Parse(json)}
}

func (s Source) StringForPath(path string) (string, bool) {
	result := s.data.Get(path)
	return result.String(), result.Exists() && (result.Value() != nil)
}

func (s Source) IntForPath(path string) (int64, bool) {
	result := s.data.Get(path)
	return result.Int(), result.Exists() && (result.Value() != nil)
}

func (s Source) BoolForPath(path string) (bool, bool) {
	result := s.data.Get(path)
	return result.Bool(), result.Exists() && (result.Value() != nil)
}

func (s Source) ResultForPath(path string) gjson.Result {
	return s.data.Get(path)
}

func (s Source) Raw() string {
	return s.data.Raw
}

func (s Source) Data() map[string]interface{} {
	if v := s.data.Value(); v != nil {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

type rippleExportRequest struct {
	SurveyExportSince string   `json:"surveyExportSince,omitempty"`
	Columns           []string `json:"columns,omitempty"`
}

// RippleFetcherAndUpdater handles all Ripple API operations.
type RippleFetcherAndUpdater struct {
	*SyncContext
}

// RippleAPIBuilder returns a new requests.Builder configured for the Ripple API.
func (r *RippleFetcherAndUpdater) RippleAPIBuilder() *requests.Builder {
	return r.apiBuilder(r.Config.API.Ripple.Endpoint, Ripple).
		Bearer(r.Config.API.Ripple.Token)
}

// FetchFlaggedParticipants exports one study and returns every row as a ParticipantRecord,
// with SendFlag set on rows marked for transfer.
func (r *RippleFetcherAndUpdater) FetchFlaggedParticipants(ctx context.Context, study Study) ([]ParticipantRecord, error) {
	const op = "export"
	req := rippleExportRequest{Columns: r.Config.Ripple.Columns}
	if r.Config.Ripple.ExportWindow > 0 {
		req.SurveyExportSince = r.now().Add(-r.Config.Ripple.ExportWindow).Format(RippleExportSinceFormat)
	}

	rippleError := RippleError{}
	var body string
	err := r.RippleAPIBuilder().
		Path("/export").
		Param("studyId", study.RippleID).
		BodyJSON(&req).
		ToString(&body).
		ErrorJSON(&rippleError).
		Fetch(ctx)
	if err != nil {
		r.logger().Debug("ripple error", "op", op, "study", study.Name, "response", rippleError)
		return nil, classifyHTTPError(Ripple, op, err)
	}
	if !gjson.Valid(body) {
		return nil, malformed(Ripple, op, errors.New("invalid json response"))
	}

	rows := gjson.Parse(body)
	if rows.IsObject() {
		rows = rows.Get("data")
	}
	if !rows.IsArray() {
		return nil, malformed(Ripple, op, fmt.Errorf("expected an array of participants for study %s", study.Name))
	}

	var result []ParticipantRecord
	for _, row := range rows.Array() {
		if !row.IsObject() {
			return nil, malformed(Ripple, op, fmt.Errorf("expected participant object but have %s", row.Type))
		}
		result = append(result, r.participantFromRow(row, study))
	}
	return result, nil
}

func (r *RippleFetcherAndUpdater) participantFromRow(row gjson.Result, study Study) ParticipantRecord {
	source := Source{data: row}
	id, _ := source.StringForPath(r.Config.Ripple.IDPath)
	flag, _ := source.StringForPath(r.Config.Ripple.Flag.Path)
	return ParticipantRecord{
		SourceID:          strings.TrimSpace(id),
		StudyID:           study.Name,
		SendFlag:          flag == r.Config.Ripple.Flag.SendValue,
		LastSyncedVersion: r.versionOf(source),
		Source:            source,
	}
}

// versionOf reads the configured version path, or hashes the row when it is absent.
func (r *RippleFetcherAndUpdater) versionOf(source Source) string {
	if r.Config.Ripple.VersionPath != "" {
		if v, exists := source.StringForPath(r.Config.Ripple.VersionPath); exists && v != "" {
			return v
		}
	}
	sum := sha256.Sum256([]byte(source.Raw()))
	return hex.EncodeToString(sum[:])
}

// AcknowledgeSynced marks a participant as transferred by importing the synced flag value.
func (r *RippleFetcherAndUpdater) AcknowledgeSynced(ctx context.Context, sourceID string, study Study) error {
	const op = "import"
	body, err := r.acknowledgeBody(sourceID, study)
	if err != nil {
		return malformed(Ripple, op, err)
	}

	rippleError := RippleError{}
	var response string
	err = r.RippleAPIBuilder().
		Path("/import").
		Param("studyId", study.RippleID).
		BodyBytes([]byte(body)).
		ContentType("application/json").
		ToString(&response).
		ErrorJSON(&rippleError).
		Fetch(ctx)
	if err != nil {
		r.logger().Debug("ripple error", "op", op, "study", study.Name, "source_id", sourceID, "response", rippleError)
		return classifyHTTPError(Ripple, op, err)
	}
	return nil
}

// acknowledgeBody builds a one element array holding the id and importType, with the
// synced value set at ripple.flag.path. The key shape follows that path: escaped dots stay
// in one key, plain dots nest.
func (r *RippleFetcherAndUpdater) acknowledgeBody(sourceID string, study Study) (string, error) {
	item, err := sjson.Set(`{}`, r.Config.Ripple.IDPath, sourceID)
	if err == nil {
		item, err = sjson.Set(item, r.Config.Ripple.Flag.Path, r.Config.Ripple.Flag.SyncedValue)
	}
	if err == nil {
		item, err = sjson.Set(item, "importType", study.RippleID)
	}
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(`[]`, "-1", item)
}
