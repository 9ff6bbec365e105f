package sync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/carlmjohnson/requests"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const defaultREDCapBatchSize = 200

type REDCapError struct {
	Error string `json:"error"`
}

// REDCapFetcherAndUpdater handles all REDCap API operations.
// Every call is a form POST to the single API endpoint, authenticated by the study's project token.
type REDCapFetcherAndUpdater struct {
	*SyncContext
}

// REDCapAPIBuilder returns a new requests.Builder configured for the REDCap API.
func (r *REDCapFetcherAndUpdater) REDCapAPIBuilder() *requests.Builder {
	return r.apiBuilder(r.Config.API.REDCap.Endpoint, REDCap)
}

func (r *REDCapFetcherAndUpdater) post(ctx context.Context, op string, form url.Values, out *string) error {
	redcapError := REDCapError{}
	err := r.REDCapAPIBuilder().
		BodyForm(form).
		Accept("application/json").
		ToString(out).
		ErrorJSON(&redcapError).
		Fetch(ctx)
	if err != nil {
		if redcapError.Error != "" {
			err = fmt.Errorf("%s: %w", redcapError.Error, err)
		}
		return classifyHTTPError(REDCap, op, err)
	}
	if !gjson.Valid(*out) {
		return malformed(REDCap, op, errors.New("invalid json response"))
	}
	return nil
}

func recordForm(token, action string) url.Values {
	form := url.Values{}
	form.Set("token", token)
	form.Set("content", "record")
	form.Set("action", action)
	form.Set("format", "json")
	form.Set("type", "flat")
	form.Set("returnFormat", "json")
	return form
}

// FindExisting returns sourceId -> record id for the source ids already present in the study's project.
// Ids are looked up in batches with filterLogic on the correlation variable.
func (r *REDCapFetcherAndUpdater) FindExisting(ctx context.Context, study Study, sourceIDs []string) (map[string]string, error) {
	const op = "export"
	result := make(map[string]string)
	batchSize := r.Config.REDCap.BatchSize
	if batchSize <= 0 {
		batchSize = defaultREDCapBatchSize
	}
	sourceField := r.Config.REDCap.SourceIDField
	recordField := r.Config.REDCap.RecordIDField

	for start := 0; start < len(sourceIDs); start += batchSize {
		end := min(start+batchSize, len(sourceIDs))
		form := recordForm(study.REDCapToken, "export")
		form.Set("fields[0]", recordField)
		form.Set("fields[1]", sourceField)
		form.Set("filterLogic", filterLogicFor(sourceField, sourceIDs[start:end]))

		var body string
		if err := r.post(ctx, op, form, &body); err != nil {
			return nil, err
		}
		rows := gjson.Parse(body)
		if !rows.IsArray() {
			return nil, malformed(REDCap, op, fmt.Errorf("expected an array of records for study %s", study.Name))
		}
		for _, row := range rows.Array() {
			sid := row.Get(sourceField).String()
			rid := row.Get(recordField).String()
			if sid == "" || rid == "" {
				continue
			}
			if existing, found := result[sid]; found && existing != rid {
				r.logger().Warn("source id linked to more than one redcap record",
					"study", study.Name, "source_id", sid, "redcap_id", existing, "other_redcap_id", rid)
				continue
			}
			result[sid] = rid
		}
	}
	return result, nil
}

func filterLogicFor(field string, sourceIDs []string) string {
	clauses := make([]string, len(sourceIDs))
	for i, id := range sourceIDs {
		clauses[i] = fmt.Sprintf(`[%s] = "%s"`, field, id)
	}
	return strings.Join(clauses, " or ")
}

// Insert imports a new auto-numbered record and returns the record id REDCap assigned.
func (r *REDCapFetcherAndUpdater) Insert(ctx context.Context, study Study, record ParticipantRecord) (string, error) {
	const op = "insert"
	payload := record.Payload.Clone()
	if payload == nil {
		payload = Payload{}
	}
	payload.SetField(r.Config.REDCap.SourceIDField, record.SourceID)
	// forceAutoNumber replaces this placeholder with the next record id
	payload.SetField(r.Config.REDCap.RecordIDField, record.SourceID)

	data, err := recordJSON(payload)
	if err != nil {
		return "", malformed(REDCap, op, err)
	}
	form := recordForm(study.REDCapToken, "import")
	form.Set("overwriteBehavior", "normal")
	form.Set("forceAutoNumber", "true")
	form.Set("returnContent", "auto_ids")
	form.Set("data", data)

	var body string
	if err = r.post(ctx, op, form, &body); err != nil {
		return "", err
	}
	// auto_ids answers with ["<new id>,<placeholder id>"]
	first := gjson.Get(body, "0").String()
	newID, _, _ := strings.Cut(first, ",")
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return "", malformed(REDCap, op, fmt.Errorf("no record id in response %s", body))
	}
	return newID, nil
}

// Update overwrites every mapped variable of an existing record.
func (r *REDCapFetcherAndUpdater) Update(ctx context.Context, study Study, redcapID string, payload Payload) error {
	const op = "update"
	p := payload.Clone()
	p.SetField(r.Config.REDCap.RecordIDField, redcapID)

	data, err := recordJSON(p)
	if err != nil {
		return malformed(REDCap, op, err)
	}
	form := recordForm(study.REDCapToken, "import")
	form.Set("overwriteBehavior", "overwrite")
	form.Set("forceAutoNumber", "false")
	form.Set("returnContent", "count")
	form.Set("data", data)

	var body string
	if err = r.post(ctx, op, form, &body); err != nil {
		return err
	}
	if count := gjson.Get(body, "count"); !count.Exists() || count.Int() < 1 {
		return malformed(REDCap, op, fmt.Errorf("record %s was not updated: %s", redcapID, body))
	}
	return nil
}

// recordJSON renders a payload as a one element flat record array, keys sorted.
func recordJSON(payload Payload) (string, error) {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	item := `{}`
	for _, k := range keys {
		v := payload[k]
		if v == nil {
			v = ""
		}
		item, err = sjson.Set(item, escapeSJSONKey(k), fmt.Sprintf("%v", v))
		if err != nil {
			return "", err
		}
	}
	return sjson.SetRaw(`[]`, "-1", item)
}

func escapeSJSONKey(k string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, ":", `\:`)
	return r.Replace(k)
}
