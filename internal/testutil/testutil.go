// Package testutil provides common test helpers for QuestPipe HTTP and store tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// Envelope mirrors models.APIResponse with the result left undecoded.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeEnvelope decodes a JSON API response body.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode JSON response: %v (body %q)", err, rr.Body.String())
	}
	return env
}

// Do serves req on h and returns the status code and decoded envelope.
func Do(t *testing.T, h http.Handler, req *http.Request) (int, Envelope) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code, DecodeEnvelope(t, rr)
}

// NewFormRequest creates a url-encoded form request, the shape Twilio webhooks use.
func NewFormRequest(t *testing.T, method, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// SeedQuest inserts q and returns its ID, failing the test on error.
func SeedQuest(t *testing.T, st store.DataStore, q models.Quest) int64 {
	t.Helper()
	id, err := st.CreateQuest(q)
	if err != nil {
		t.Fatalf("failed to seed quest %q: %v", q.Title, err)
	}
	return id
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
