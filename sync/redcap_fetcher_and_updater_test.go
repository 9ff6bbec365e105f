package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type redcapRequests struct {
	mu    gosync.Mutex
	forms []url.Values
}

func (r *redcapRequests) add(form url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms = append(r.forms, form)
}

func newTestREDCap(t *testing.T, handler func(w http.ResponseWriter, form url.Values)) (*REDCapFetcherAndUpdater, Study, *redcapRequests) {
	t.Helper()
	requests := &redcapRequests{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/api/", req.URL.Path)
		assert.NoError(t, req.ParseForm())
		requests.add(req.PostForm)
		w.Header().Set("Content-Type", "application/json")
		handler(w, req.PostForm)
	}))
	t.Cleanup(server.Close)

	env := testEnv()
	env["REDCAP_HOST"] = server.URL + "/api/"
	config := testConfig(t, env)
	study, ok := config.StudyByName("HBN - Waitlist")
	require.True(t, ok)
	return &REDCapFetcherAndUpdater{SyncContext: &SyncContext{Config: config}}, study, requests
}

func TestREDCap_FindExisting(t *testing.T) {
	r, study, requests := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `[
			{"record_id":"1","ripple_id":"G1"},
			{"record_id":"9","ripple_id":"G3"},
			{"record_id":"12","ripple_id":"G3"},
			{"record_id":"","ripple_id":"G4"}
		]`)
	})

	existing, err := r.FindExisting(context.Background(), study, []string{"G1", "G2", "G3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"G1": "1", "G3": "9"}, existing)

	require.Len(t, requests.forms, 1)
	form := requests.forms[0]
	assert.Equal(t, "token-waitlist", form.Get("token"))
	assert.Equal(t, "record", form.Get("content"))
	assert.Equal(t, "export", form.Get("action"))
	assert.Equal(t, "flat", form.Get("type"))
	assert.Equal(t, "record_id", form.Get("fields[0]"))
	assert.Equal(t, "ripple_id", form.Get("fields[1]"))
	assert.Equal(t, `[ripple_id] = "G1" or [ripple_id] = "G2" or [ripple_id] = "G3"`, form.Get("filterLogic"))
}

func TestREDCap_FindExistingBatches(t *testing.T) {
	r, study, requests := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `[]`)
	})
	r.Config.REDCap.BatchSize = 2

	existing, err := r.FindExisting(context.Background(), study, []string{"G1", "G2", "G3", "G4", "G5"})
	require.NoError(t, err)
	assert.Empty(t, existing)
	require.Len(t, requests.forms, 3)
	assert.Equal(t, `[ripple_id] = "G5"`, requests.forms[2].Get("filterLogic"))
}

func TestREDCap_Insert(t *testing.T) {
	r, study, requests := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `["42,G1"]`)
	})

	id, err := r.Insert(context.Background(), study, ParticipantRecord{
		SourceID: "G1",
		Payload:  Payload{"mrn": "5001", "email_consent": "a@b.org", "ripple_id": "G1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	form := requests.forms[0]
	assert.Equal(t, "import", form.Get("action"))
	assert.Equal(t, "normal", form.Get("overwriteBehavior"))
	assert.Equal(t, "true", form.Get("forceAutoNumber"))
	assert.Equal(t, "auto_ids", form.Get("returnContent"))
	assert.JSONEq(t, `[{"email_consent":"a@b.org","mrn":"5001","record_id":"G1","ripple_id":"G1"}]`, form.Get("data"))
}

func TestREDCap_InsertWithoutID(t *testing.T) {
	r, study, _ := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `[]`)
	})

	_, err := r.Insert(context.Background(), study, ParticipantRecord{SourceID: "G1"})
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestREDCap_Update(t *testing.T) {
	r, study, requests := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `{"count": 1}`)
	})

	payload := Payload{"mrn": "", "ripple_id": "G1"}
	require.NoError(t, r.Update(context.Background(), study, "9", payload))
	_, mutated := payload["record_id"]
	assert.False(t, mutated, "the caller's payload is not modified")

	form := requests.forms[0]
	assert.Equal(t, "overwrite", form.Get("overwriteBehavior"))
	assert.Equal(t, "count", form.Get("returnContent"))
	data := gjson.Parse(form.Get("data"))
	assert.Equal(t, "9", data.Get("0.record_id").String())
	assert.True(t, data.Get("0.mrn").Exists(), "empty values are sent to clear the field")
}

func TestREDCap_UpdateNotApplied(t *testing.T) {
	r, study, _ := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
		_, _ = io.WriteString(w, `{"count": 0}`)
	})

	err := r.Update(context.Background(), study, "9", Payload{})
	assert.Equal(t, KindMalformedResponse, KindOf(err))
}

func TestREDCap_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   ErrorKind
	}{
		{"invalid token", http.StatusForbidden, KindAuth},
		{"unauthorized", http.StatusUnauthorized, KindAuth},
		{"bad data", http.StatusBadRequest, KindMalformedResponse},
		{"maintenance", http.StatusServiceUnavailable, KindRemoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, study, _ := newTestREDCap(t, func(w http.ResponseWriter, form url.Values) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"You do not have permissions to use the API"}`)
			})
			_, err := r.FindExisting(context.Background(), study, []string{"G1"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.True(t, strings.Contains(err.Error(), "You do not have permissions"), err.Error())
			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, REDCap, remote.System)
		})
	}
}

func TestRecordJSON(t *testing.T) {
	data, err := recordJSON(Payload{"a.b": "x", "n": nil, "i": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a.b":"x","n":"","i":"3"}]`, data)
}
