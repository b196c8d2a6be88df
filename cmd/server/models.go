package main

import (
	"github.com/liamcoop/predictions/schema"
	"github.com/liamcoop/predictions/store"
)

// API response models. Records themselves are written as flat JSON objects by
// store.Record.MarshalJSON.

// ErrorResponse is the body of every 4xx and 5xx response
type ErrorResponse struct {
	Error string `json:"error" example:"missing required fields: ApplicantIncome"`
} // @name ErrorResponse

// HealthResponse reports store reachability and the loaded model
type HealthResponse struct {
	Status  string            `json:"status" example:"healthy"`
	Model   string            `json:"model" example:"loan-approval"`
	Outputs map[string]string `json:"outputs,omitempty"`
} // @name HealthResponse

// SchemaResponse describes the table the service writes
type SchemaResponse struct {
	Table     string         `json:"table" example:"applicants"`
	Fields    []schema.Field `json:"fields"`
	Outputs   []schema.Field `json:"outputs"`
	Updatable []string       `json:"updatable"`
	Indexed   []string       `json:"indexed"`
} // @name SchemaResponse

// DeleteResponse confirms a deleted record
type DeleteResponse struct {
	Status string `json:"status" example:"deleted"`
	ID     int64  `json:"id" example:"1"`
} // @name DeleteResponse

// SummaryResponse holds group-by counts over one indexed column
type SummaryResponse struct {
	Column  string         `json:"column" example:"Property_Area"`
	Buckets []store.Bucket `json:"buckets"`
} // @name SummaryResponse
