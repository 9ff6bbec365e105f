package sync

import (
	"fmt"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
)

// HTTPRequestTimeout is the default timeout for all HTTP requests to external APIs.
const HTTPRequestTimeout = 60 * time.Second

// apiBuilder returns a new requests.Builder for one of the remote systems.
// Recording wraps whichever transport is in use so fixtures can be captured against a live system.
func (s *SyncContext) apiBuilder(baseURL string, system System) *requests.Builder {
	timeout := s.Config.Run.CallTimeout
	if timeout <= 0 {
		timeout = HTTPRequestTimeout
	}
	builder := requests.
		URL(baseURL).
		Client(&http.Client{Timeout: timeout})
	if s.Transport != nil {
		builder = builder.Transport(s.Transport)
	}
	if s.RecordRequests {
		builder = builder.Transport(requests.Record(s.Transport, fmt.Sprintf("testdata/.requests/%s", system)))
	}
	return builder
}
