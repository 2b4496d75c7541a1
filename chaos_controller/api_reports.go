package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/darwin-demo/store/journal"
)

// maxReportBytes bounds a pushed test report body.
const maxReportBytes = 4 << 20

// reportSchema mirrors the test_reports column limits. Every field is
// optional and defaults to zero.
const reportSchema = `{
  "type": "object",
  "properties": {
    "id":          {"type": "string"},
    "suite":       {"type": "string", "maxLength": 100},
    "total":       {"type": "integer", "minimum": 0},
    "passed":      {"type": "integer", "minimum": 0},
    "failed":      {"type": "integer", "minimum": 0},
    "skipped":     {"type": "integer", "minimum": 0},
    "duration_ms": {"type": "number", "minimum": 0},
    "git_sha":     {"type": "string", "maxLength": 255},
    "image_tag":   {"type": "string", "maxLength": 255},
    "tests": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "status"],
        "properties": {
          "name":        {"type": "string", "minLength": 1},
          "status":      {"type": "string"},
          "duration_ms": {"type": "number", "minimum": 0}
        }
      }
    }
  }
}`

type reportValidator struct {
	schema *gojsonschema.Schema
}

func newReportValidator() *reportValidator {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reportSchema))
	if err != nil {
		// The schema is a constant; failing here is a programming error.
		panic(fmt.Sprintf("compile test report schema: %v", err))
	}
	return &reportValidator{schema: schema}
}

// Validate returns every schema violation in body, or nil.
func (v *reportValidator) Validate(body []byte) ([]string, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, issue := range result.Errors() {
		issues = append(issues, issue.String())
	}
	return issues, nil
}

func (a *API) handlePushReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxReportBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}

	issues, err := a.reports.Validate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(issues) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "report failed schema validation: " + strings.Join(issues, "; "),
			"issues": issues,
		})
		return
	}

	var in journal.ReportInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	report := a.journal.Insert(r.Context(), journal.NewReport(in, time.Now()))
	log.Printf("[JOURNAL] Stored report %s suite=%s run=%s (%d/%d passed)",
		report.ID, report.Suite, report.RunKey(), report.Passed, report.Total)

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "stored",
		"id":     report.ID,
	})
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, journal.GroupRuns(a.journal.List(r.Context())))
}

func (a *API) handleLatestReport(w http.ResponseWriter, r *http.Request) {
	latest := a.journal.Latest(r.Context())
	if latest == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_reports"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}
