package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/predictions/oracle"
	"github.com/liamcoop/predictions/predictions"
	"github.com/liamcoop/predictions/store"
)

const loanPayload = `{
	"ApplicantIncome": 5000,
	"CoapplicantIncome": 0,
	"LoanAmount": 200,
	"Loan_Amount_Term": 360,
	"Credit_History": 1,
	"Married": "Yes",
	"Education": "Graduate",
	"Self_Employed": "No",
	"Property_Area": "Urban"
}`

// newTestServer serves the loan artifact over an in-memory SQLite store
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newArtifactServer(t, "../../artifacts/loan.yaml")
}

func newArtifactServer(t *testing.T, artifact string) *httptest.Server {
	t.Helper()

	model, err := oracle.Load(artifact)
	if err != nil {
		t.Fatalf("oracle.Load() failed: %v", err)
	}

	st, err := store.Open(store.DriverSQLite, ":memory:", model.Schema(), 0)
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	if err := st.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() failed: %v", err)
	}

	cache, err := store.NewLRURecordCache(store.DefaultCacheConfig())
	if err != nil {
		t.Fatalf("NewLRURecordCache() failed: %v", err)
	}

	svc := predictions.NewService(model, store.NewCached(st, cache))
	ts := httptest.NewServer(NewServer(svc, model, Options{}))
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return ts
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() failed: %v", err)
	}
	return resp.StatusCode, data
}

func decodeObject(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, data)
	}
	return out
}

func TestPredict_LoanApplicant(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, http.MethodPost, ts.URL+"/predict", loanPayload)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", status, body)
	}

	rec := decodeObject(t, body)
	if rec["id"] != 1.0 {
		t.Errorf("id = %v, want 1", rec["id"])
	}
	if rec["Prediction"] != 1.0 {
		t.Errorf("Prediction = %v, want 1", rec["Prediction"])
	}
	if rec["ApplicantIncome"] != 5000.0 || rec["Property_Area"] != "Urban" {
		t.Errorf("input fields not echoed: %v", rec)
	}
	if _, ok := rec["Confidence"].(float64); !ok {
		t.Errorf("Confidence = %v, want a number", rec["Confidence"])
	}
}

func TestPredict_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"array body", `[1, 2]`, "JSON object"},
		{"scalar body", `42`, "JSON object"},
		{"malformed", `{"ApplicantIncome":`, "invalid JSON"},
		{"float for integer", strings.Replace(loanPayload, "5000", "5000.0", 1), "ApplicantIncome"},
		{"exponent for integer", strings.Replace(loanPayload, "5000", "5e3", 1), "ApplicantIncome"},
		{"missing field", strings.Replace(loanPayload, `"LoanAmount": 200,`, "", 1), "LoanAmount"},
		{"unknown field", strings.Replace(loanPayload, `"LoanAmount": 200,`, `"LoanAmount": 200, "Color": "red",`, 1), "Color"},
		{"unknown category", strings.Replace(loanPayload, `"Urban"`, `"Lunar"`, 1), "schema mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, http.MethodPost, ts.URL+"/predict", tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", status, body)
			}
			msg, _ := decodeObject(t, body)["error"].(string)
			if !strings.Contains(msg, tt.contains) {
				t.Errorf("error %q does not mention %q", msg, tt.contains)
			}
		})
	}

	status, body := do(t, http.MethodGet, ts.URL+"/records", "")
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("rejected requests persisted records: %d %s", status, body)
	}
}

func TestUpdate_BadValueLeavesRecordUnchanged(t *testing.T) {
	ts := newTestServer(t)

	if status, body := do(t, http.MethodPost, ts.URL+"/predict", loanPayload); status != http.StatusCreated {
		t.Fatalf("predict status = %d: %s", status, body)
	}

	status, body := do(t, http.MethodPut, ts.URL+"/records/1", `{"column":"LoanAmount","new_value":"oops"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", status, body)
	}

	status, body = do(t, http.MethodGet, ts.URL+"/records/1", "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d: %s", status, body)
	}
	rec := decodeObject(t, body)
	if rec["LoanAmount"] != 200.0 || rec["Prediction"] != 1.0 {
		t.Errorf("record changed: %v", rec)
	}
}

func TestUpdate_RederivesPrediction(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/predict", loanPayload)

	// warm the read cache so a stale entry would show
	do(t, http.MethodGet, ts.URL+"/records/1", "")

	status, body := do(t, http.MethodPut, ts.URL+"/records/1", `{"data": {"LoanAmount": 900}}`)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", status, body)
	}
	if rec := decodeObject(t, body); rec["Prediction"] != 0.0 || rec["LoanAmount"] != 900.0 {
		t.Errorf("updated record = %v", rec)
	}

	_, body = do(t, http.MethodGet, ts.URL+"/records/1", "")
	if rec := decodeObject(t, body); rec["Prediction"] != 0.0 {
		t.Errorf("GET after update returned stale prediction: %v", rec)
	}
}

func TestUpdate_Errors(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/predict", loanPayload)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"output column", "/records/1", `{"column":"Prediction","new_value":0}`, http.StatusBadRequest},
		{"id column", "/records/1", `{"column":"id","new_value":5}`, http.StatusBadRequest},
		{"neither form", "/records/1", `{"LoanAmount": 1}`, http.StatusBadRequest},
		{"missing record", "/records/99", `{"column":"LoanAmount","new_value":1}`, http.StatusNotFound},
		{"bad id", "/records/abc", `{"column":"LoanAmount","new_value":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, http.MethodPut, ts.URL+tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d: %s", status, tt.status, body)
			}
		})
	}
}

func TestListFiltersAndPages(t *testing.T) {
	ts := newTestServer(t)
	for _, area := range []string{"Urban", "Rural", "Urban", "Semiurban"} {
		body := strings.Replace(loanPayload, `"Urban"`, `"`+area+`"`, 1)
		if status, resp := do(t, http.MethodPost, ts.URL+"/predict", body); status != http.StatusCreated {
			t.Fatalf("predict status = %d: %s", status, resp)
		}
	}

	tests := []struct {
		query string
		ids   []float64
	}{
		{"", []float64{4, 3, 2, 1}},
		{"?limit=2", []float64{4, 3}},
		{"?limit=2&offset=2", []float64{2, 1}},
		{"?Property_Area=Urban", []float64{3, 1}},
		{"?Property_Area=Urban&limit=1", []float64{3}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			status, body := do(t, http.MethodGet, ts.URL+"/records"+tt.query, "")
			if status != http.StatusOK {
				t.Fatalf("status = %d: %s", status, body)
			}
			var recs []map[string]any
			if err := json.Unmarshal(body, &recs); err != nil {
				t.Fatalf("response is not an array: %v", err)
			}
			if len(recs) != len(tt.ids) {
				t.Fatalf("got %d records, want %d", len(recs), len(tt.ids))
			}
			for i, rec := range recs {
				if rec["id"] != tt.ids[i] {
					t.Errorf("recs[%d].id = %v, want %v", i, rec["id"], tt.ids[i])
				}
			}
		})
	}

	for _, query := range []string{"?limit=0", "?limit=abc", "?offset=-1", "?ApplicantIncome=5000", "?Color=red"} {
		if status, body := do(t, http.MethodGet, ts.URL+"/records"+query, ""); status != http.StatusBadRequest {
			t.Errorf("GET /records%s status = %d, want 400: %s", query, status, body)
		}
	}
}

func TestDeleteThenGet(t *testing.T) {
	ts := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/predict", loanPayload)
	do(t, http.MethodGet, ts.URL+"/records/1", "")

	status, body := do(t, http.MethodDelete, ts.URL+"/records/1", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", status, body)
	}
	resp := decodeObject(t, body)
	if resp["status"] != "deleted" || resp["id"] != 1.0 {
		t.Errorf("delete response = %v", resp)
	}

	if status, _ := do(t, http.MethodGet, ts.URL+"/records/1", ""); status != http.StatusNotFound {
		t.Errorf("GET after DELETE status = %d, want 404", status)
	}
	if status, _ := do(t, http.MethodDelete, ts.URL+"/records/1", ""); status != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", status)
	}
}

func TestSummary(t *testing.T) {
	ts := newTestServer(t)
	for _, area := range []string{"Urban", "Rural", "Urban"} {
		do(t, http.MethodPost, ts.URL+"/predict", strings.Replace(loanPayload, `"Urban"`, `"`+area+`"`, 1))
	}

	status, body := do(t, http.MethodGet, ts.URL+"/summary/Property_Area", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d: %s", status, body)
	}

	var resp SummaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if resp.Column != "Property_Area" || len(resp.Buckets) != 2 {
		t.Fatalf("summary = %+v", resp)
	}
	if resp.Buckets[0].Value != "Rural" || resp.Buckets[1].Count != 2 {
		t.Errorf("buckets = %+v", resp.Buckets)
	}

	if status, _ := do(t, http.MethodGet, ts.URL+"/summary/ApplicantIncome", ""); status != http.StatusBadRequest {
		t.Errorf("summary on unindexed column status = %d, want 400", status)
	}
}

func TestHealthSchemaAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, http.MethodGet, ts.URL+"/health", "")
	if status != http.StatusOK {
		t.Fatalf("health status = %d: %s", status, body)
	}
	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if health.Status != "healthy" || health.Model != "loan-approval" || health.Outputs["Prediction"] != oracle.KindLogistic {
		t.Errorf("health = %+v", health)
	}

	status, body = do(t, http.MethodGet, ts.URL+"/schema", "")
	if status != http.StatusOK {
		t.Fatalf("schema status = %d: %s", status, body)
	}
	var sc SchemaResponse
	if err := json.Unmarshal(body, &sc); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if sc.Table != "applicants" || len(sc.Fields) != 9 || len(sc.Updatable) != 9 {
		t.Errorf("schema = %+v", sc)
	}
	for _, name := range sc.Updatable {
		if name == "Prediction" || name == "Confidence" || name == "id" {
			t.Errorf("allow-list contains %q", name)
		}
	}

	do(t, http.MethodPost, ts.URL+"/predict", loanPayload)
	status, body = do(t, http.MethodGet, ts.URL+"/metrics", "")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	if !bytes.Contains(body, []byte("predictions_http_requests_total")) {
		t.Error("metrics output missing request counter")
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("response has no X-Request-Id")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("X-Request-Id = %q, want client value", got)
	}
}

func TestPredict_NonFiniteOutputRejected(t *testing.T) {
	ts := newArtifactServer(t, "../../artifacts/housing.yaml")

	house := `{
		"Square_Footage": 1e307,
		"Bedrooms": 3,
		"Bathrooms": 2,
		"Age": 10,
		"Garage_Spaces": 2,
		"Neighborhood_Rating": 8,
		"Has_Pool": 0,
		"Location_Type": "Urban",
		"Days_On_Market": 5
	}`

	status, body := do(t, http.MethodPost, ts.URL+"/predict", house)
	if status != http.StatusBadRequest {
		t.Fatalf("predict status = %d, want 400: %s", status, body)
	}
	if msg := decodeObject(t, body)["error"]; !strings.Contains(fmt.Sprint(msg), "Predicted_Price") {
		t.Errorf("error = %v, want it to name the output", msg)
	}

	status, body = do(t, http.MethodGet, ts.URL+"/records", "")
	if status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("list after rejected predict = %d %q, want 200 []", status, body)
	}
}

func TestRespondJSON_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	respondJSON(w, http.StatusCreated, map[string]float64{"price": math.Inf(1)})

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decodeObject(t, w.Body.Bytes())["error"]; got != "internal server error" {
		t.Errorf("error = %v", got)
	}
}

func TestWriteTimeout(t *testing.T) {
	tests := []struct {
		request time.Duration
		want    time.Duration
	}{
		{0, defaultRequestTimeout + writeGrace},
		{30 * time.Second, 30*time.Second + writeGrace},
		{90 * time.Second, 90*time.Second + writeGrace},
	}
	for _, tt := range tests {
		if got := writeTimeout(tt.request); got != tt.want {
			t.Errorf("writeTimeout(%v) = %v, want %v", tt.request, got, tt.want)
		}
		if got := writeTimeout(tt.request); got <= tt.request {
			t.Errorf("writeTimeout(%v) = %v does not outlast the handler timeout", tt.request, got)
		}
	}
}
