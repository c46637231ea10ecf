// Package dswire is the framed TCP protocol in front of the engine: each
// frame is a 4-byte big-endian length followed by a JSON document.
package dswire

import (
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/executor"
)

const (
	OpQuery    = "query"
	OpUpdate   = "update"
	OpFlush    = "flush"
	OpDatasets = "datasets"
)

// Request is a single call. Document carries the XML input rows of an update.
type Request struct {
	ID       uint64              `json:"id"`
	Op       string              `json:"op"`
	Dataset  string              `json:"dataset,omitempty"`
	Page     string              `json:"page,omitempty"`
	Params   map[string][]string `json:"params,omitempty"`
	Headers  map[string]string   `json:"headers,omitempty"`
	Vars     map[string]string   `json:"vars,omitempty"`
	Document string              `json:"document,omitempty"`
}

// Failure is one failed input row of an update.
type Failure struct {
	Row    int    `json:"row"`
	Action string `json:"action"`
	Error  string `json:"error"`
}

// Response answers the request with the same ID.
type Response struct {
	ID       uint64            `json:"id"`
	Result   *record.Result    `json:"result,omitempty"`
	Summary  *executor.Summary `json:"summary,omitempty"`
	Cached   bool              `json:"cached,omitempty"`
	Flushed  int               `json:"flushed,omitempty"`
	Datasets []string          `json:"datasets,omitempty"`
	Failures []Failure         `json:"failures,omitempty"`
	Error    string            `json:"error,omitempty"`
}
