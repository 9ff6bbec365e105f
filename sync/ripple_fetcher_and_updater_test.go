package sync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestRipple(t *testing.T, handler http.HandlerFunc) (*RippleFetcherAndUpdater, Study) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	env := testEnv()
	env["RIPPLE_HOST"] = server.URL
	config := testConfig(t, env)
	sc := &SyncContext{
		Config: config,
		Clock:  func() time.Time { return time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC) },
	}
	study, ok := config.StudyByName("HBN - Main")
	require.True(t, ok)
	return &RippleFetcherAndUpdater{SyncContext: sc}, study
}

func TestRipple_FetchFlaggedParticipants(t *testing.T) {
	r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/export", req.URL.Path)
		assert.Equal(t, "study-main", req.URL.Query().Get("studyId"))
		assert.Equal(t, "Bearer ripple-token", req.Header.Get("Authorization"))
		body, _ := io.ReadAll(req.Body)
		assert.Equal(t, "2024-03-09", gjson.GetBytes(body, "surveyExportSince").String())
		assert.Contains(t, gjson.GetBytes(body, "columns").String(), "cv.consent_form")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"globalId":" G1 ","cv.consent_form":"Send to RedCap","dateUpdated":"2024-03-09T10:00:00Z","customId":"1"},
			{"globalId":"G2","cv.consent_form":"consent_form_created_in_redcap"},
			{"globalId":"G3"}
		]`)
	})

	records, err := r.FetchFlaggedParticipants(context.Background(), study)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "G1", records[0].SourceID)
	assert.True(t, records[0].SendFlag)
	assert.Equal(t, "HBN - Main", records[0].StudyID)
	assert.Equal(t, "2024-03-09T10:00:00Z", records[0].LastSyncedVersion)
	id, _ := records[0].Source.StringForPath("customId")
	assert.Equal(t, "1", id)

	assert.False(t, records[1].SendFlag)
	assert.False(t, records[2].SendFlag)
	assert.Len(t, records[2].LastSyncedVersion, 64, "falls back to a hash of the row")
}

func TestRipple_FetchWrappedData(t *testing.T) {
	r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"globalId":"G1","cv.consent_form":"Send to RedCap"}]}`)
	})

	records, err := r.FetchFlaggedParticipants(context.Background(), study)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].SendFlag)
}

func TestRipple_FetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad token"}`, KindAuth},
		{"forbidden", http.StatusForbidden, `{"message":"no access"}`, KindAuth},
		{"server error", http.StatusBadGateway, `{"message":"upstream"}`, KindRemoteUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, KindRemoteUnavailable},
		{"bad request", http.StatusBadRequest, `{"message":"unknown column"}`, KindMalformedResponse},
		{"not json", http.StatusOK, `<html>`, KindMalformedResponse},
		{"not an array", http.StatusOK, `{"rows":1}`, KindMalformedResponse},
		{"rows not objects", http.StatusOK, `[1,2]`, KindMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := r.FetchFlaggedParticipants(context.Background(), study)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err), err.Error())
			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, Ripple, remote.System)
		})
	}
}

func TestRipple_FetchUnreachable(t *testing.T) {
	r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {})
	r.Config.API.Ripple.Endpoint = "http://127.0.0.1:1"

	_, err := r.FetchFlaggedParticipants(context.Background(), study)
	require.Error(t, err)
	assert.Equal(t, KindRemoteUnavailable, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestRipple_AcknowledgeSynced(t *testing.T) {
	var body []byte
	r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/import", req.URL.Path)
		assert.Equal(t, "study-main", req.URL.Query().Get("studyId"))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		body, _ = io.ReadAll(req.Body)
		_, _ = io.WriteString(w, `{"imported":1}`)
	})

	require.NoError(t, r.AcknowledgeSynced(context.Background(), "G1", study))
	assert.JSONEq(t, `[{"globalId":"G1","cv.consent_form":"consent_form_created_in_redcap","importType":"study-main"}]`, string(body))
}

func TestRipple_AcknowledgeRejected(t *testing.T) {
	r, study := newTestRipple(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"expired"}`)
	})

	err := r.AcknowledgeSynced(context.Background(), "G1", study)
	assert.True(t, errors.Is(err, ErrAuth))
}
