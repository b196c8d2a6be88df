package predictions

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/liamcoop/predictions/oracle"
	"github.com/liamcoop/predictions/schema"
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

func newTestService(t *testing.T) *Service {
	t.Helper()
	o, err := oracle.Load("../artifacts/loan.yaml")
	if err != nil {
		t.Fatalf("oracle.Load() failed: %v", err)
	}
	return NewService(o, store.NewInMemoryStore(o.Schema()))
}

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	payload, err := schema.DecodePayloadBytes([]byte(body))
	if err != nil {
		t.Fatalf("DecodePayloadBytes() failed: %v", err)
	}
	return payload
}

func TestPredictAndSave_LoanApplicant(t *testing.T) {
	svc := newTestService(t)

	rec, err := svc.PredictAndSave(context.Background(), decode(t, loanPayload))
	if err != nil {
		t.Fatalf("PredictAndSave() failed: %v", err)
	}
	if rec.ID != 1 {
		t.Errorf("ID = %d, want 1", rec.ID)
	}
	if rec.Outputs["Prediction"] != int64(1) {
		t.Errorf("Prediction = %#v, want 1", rec.Outputs["Prediction"])
	}
	if rec.Fields["ApplicantIncome"] != int64(5000) {
		t.Errorf("ApplicantIncome = %#v, want 5000", rec.Fields["ApplicantIncome"])
	}
}

func TestPredictAndSave_ValidationErrors(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"float for integer", `{"ApplicantIncome": 5000.0, "CoapplicantIncome": 0, "LoanAmount": 200, "Loan_Amount_Term": 360, "Credit_History": 1, "Married": "Yes", "Education": "Graduate", "Self_Employed": "No", "Property_Area": "Urban"}`, "ApplicantIncome"},
		{"missing field", `{"CoapplicantIncome": 0, "LoanAmount": 200, "Loan_Amount_Term": 360, "Credit_History": 1, "Married": "Yes", "Education": "Graduate", "Self_Employed": "No", "Property_Area": "Urban"}`, "ApplicantIncome"},
		{"output supplied", `{"Prediction": 1, "ApplicantIncome": 5000, "CoapplicantIncome": 0, "LoanAmount": 200, "Loan_Amount_Term": 360, "Credit_History": 1, "Married": "Yes", "Education": "Graduate", "Self_Employed": "No", "Property_Area": "Urban"}`, "Prediction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PredictAndSave(context.Background(), decode(t, tt.body))
			var verr *schema.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}

	recs, _ := svc.List(context.Background(), store.Query{})
	if len(recs) != 0 {
		t.Errorf("rejected payloads persisted %d records", len(recs))
	}
}

func TestPredictAndSave_UnknownCategory(t *testing.T) {
	svc := newTestService(t)
	payload := decode(t, loanPayload)
	payload["Property_Area"] = "Lunar"

	_, err := svc.PredictAndSave(context.Background(), payload)
	if !errors.Is(err, oracle.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestUpdate_RederivesPrediction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.PredictAndSave(ctx, decode(t, loanPayload))
	if err != nil {
		t.Fatalf("PredictAndSave() failed: %v", err)
	}

	changes, err := ParseUpdate(decode(t, `{"column": "LoanAmount", "new_value": 900}`))
	if err != nil {
		t.Fatalf("ParseUpdate() failed: %v", err)
	}

	updated, err := svc.Update(ctx, rec.ID, changes)
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if updated.Fields["LoanAmount"] != int64(900) {
		t.Errorf("LoanAmount = %#v, want 900", updated.Fields["LoanAmount"])
	}
	if updated.Outputs["Prediction"] != int64(0) {
		t.Errorf("Prediction = %#v, want 0 after raising the loan amount", updated.Outputs["Prediction"])
	}
}

func TestUpdate_RejectsBadValueUnchanged(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.PredictAndSave(ctx, decode(t, loanPayload))
	if err != nil {
		t.Fatalf("PredictAndSave() failed: %v", err)
	}

	changes, _ := ParseUpdate(decode(t, `{"column": "LoanAmount", "new_value": "oops"}`))
	_, err = svc.Update(ctx, rec.ID, changes)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	got, err := svc.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Fields["LoanAmount"] != int64(200) || got.Outputs["Prediction"] != int64(1) {
		t.Errorf("record changed after rejected update: %+v", got)
	}
}

func TestUpdate_InvalidColumns(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.PredictAndSave(ctx, decode(t, loanPayload))
	if err != nil {
		t.Fatalf("PredictAndSave() failed: %v", err)
	}

	for _, body := range []string{
		`{"column": "Prediction", "new_value": 0}`,
		`{"column": "Confidence", "new_value": 0.1}`,
		`{"column": "id", "new_value": 9}`,
		`{"data": {"LoanAmount": 100, "Nope": 1}}`,
	} {
		changes, err := ParseUpdate(decode(t, body))
		if err != nil {
			t.Fatalf("ParseUpdate(%s) failed: %v", body, err)
		}
		if _, err := svc.Update(ctx, rec.ID, changes); !errors.Is(err, store.ErrInvalidColumn) {
			t.Errorf("Update(%s): expected ErrInvalidColumn, got %v", body, err)
		}
	}
}

func TestUpdate_NotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Update(context.Background(), 99, map[string]any{"LoanAmount": int64(1)})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    []string
		wantErr bool
	}{
		{"column form", `{"column": "LoanAmount", "new_value": 1}`, []string{"LoanAmount"}, false},
		{"column form null", `{"column": "LoanAmount", "new_value": null}`, []string{"LoanAmount"}, false},
		{"data form", `{"data": {"LoanAmount": 1, "Married": "No"}}`, []string{"LoanAmount", "Married"}, false},
		{"column without value", `{"column": "LoanAmount"}`, nil, true},
		{"column not string", `{"column": 3, "new_value": 1}`, nil, true},
		{"data not object", `{"data": [1]}`, nil, true},
		{"neither", `{"LoanAmount": 1}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := ParseUpdate(decode(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUpdate() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, k := range tt.want {
				if _, ok := changes[k]; !ok {
					t.Errorf("changes missing %q: %v", k, changes)
				}
			}
			if !tt.wantErr && len(changes) != len(tt.want) {
				t.Errorf("changes = %v, want keys %v", changes, tt.want)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	svc := newTestService(t)

	q, err := svc.ParseQuery(url.Values{"limit": {"5"}, "offset": {"10"}, "Property_Area": {"Urban"}, "Prediction": {"1"}})
	if err != nil {
		t.Fatalf("ParseQuery() failed: %v", err)
	}
	if q.Limit != 5 || q.Offset != 10 {
		t.Errorf("limit/offset = %d/%d", q.Limit, q.Offset)
	}
	if q.Filters["Property_Area"] != "Urban" || q.Filters["Prediction"] != int64(1) {
		t.Errorf("Filters = %v", q.Filters)
	}

	var verr *schema.ValidationError
	for _, params := range []url.Values{
		{"limit": {"0"}},
		{"limit": {"1001"}},
		{"limit": {"ten"}},
		{"offset": {"-1"}},
		{"Prediction": {"yes"}},
	} {
		if _, err := svc.ParseQuery(params); !errors.As(err, &verr) {
			t.Errorf("ParseQuery(%v): expected ValidationError, got %v", params, err)
		}
	}

	for _, params := range []url.Values{
		{"ApplicantIncome": {"5000"}},
		{"Confidence": {"0.5"}},
		{"bogus": {"1"}},
	} {
		if _, err := svc.ParseQuery(params); !errors.Is(err, store.ErrInvalidColumn) {
			t.Errorf("ParseQuery(%v): expected ErrInvalidColumn, got %v", params, err)
		}
	}
}

func TestListAndSummary(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, area := range []string{"Urban", "Rural", "Urban"} {
		payload := decode(t, loanPayload)
		payload["Property_Area"] = area
		if _, err := svc.PredictAndSave(ctx, payload); err != nil {
			t.Fatalf("PredictAndSave() failed: %v", err)
		}
	}

	q, _ := svc.ParseQuery(url.Values{"Property_Area": {"Urban"}})
	recs, err := svc.List(ctx, q)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 3 || recs[1].ID != 1 {
		t.Errorf("List(Urban) ids = %v", ids(recs))
	}

	buckets, err := svc.Summary(ctx, "Property_Area")
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Value != "Rural" || buckets[1].Count != 2 {
		t.Errorf("Summary() = %v", buckets)
	}
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.PredictAndSave(ctx, decode(t, loanPayload))
	if err != nil {
		t.Fatalf("PredictAndSave() failed: %v", err)
	}
	if err := svc.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete: expected ErrNotFound, got %v", err)
	}
}

// failingPredictor lets tests observe that nothing is stored when the oracle fails
type failingPredictor struct {
	Predictor
}

func (failingPredictor) Predict(schema.Values) (oracle.Prediction, error) {
	return oracle.Prediction{}, errors.New("model unavailable")
}

func TestPredictAndSave_OracleFailureStoresNothing(t *testing.T) {
	o, err := oracle.Load("../artifacts/loan.yaml")
	if err != nil {
		t.Fatalf("oracle.Load() failed: %v", err)
	}
	st := store.NewInMemoryStore(o.Schema())
	svc := NewService(failingPredictor{Predictor: o}, st)

	if _, err := svc.PredictAndSave(context.Background(), decode(t, loanPayload)); err == nil {
		t.Fatal("expected error from failing predictor")
	}
	recs, _ := st.List(context.Background(), store.Query{})
	if len(recs) != 0 {
		t.Errorf("stored %d records despite oracle failure", len(recs))
	}
}

func ids(recs []*store.Record) []int64 {
	out := make([]int64, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
