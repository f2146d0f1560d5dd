package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// ImportedReport is one historical artifact recovered from disk by
// filename convention.
type ImportedReport struct {
	Path    string
	Kind    string // "summary" or "detail"
	Payload json.RawMessage
}

// ImportReports bulk-loads historical `*-summary.json` and
// `<prefix>-<id>.json` report artifacts from dir. It is idempotent: a
// file that fails to parse is skipped and logged, never aborting the
// whole import.
func (s *Store) ImportReports(dir string) ([]ImportedReport, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []ImportedReport
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("import_reports: read failed", "path", path, "error", err)
			continue
		}
		var parsed json.RawMessage
		if err := json.Unmarshal(raw, &parsed); err != nil {
			s.logger.Warn("import_reports: safe_json_parse failed", "path", path, "error", err)
			continue
		}
		kind := "detail"
		if strings.HasSuffix(e.Name(), "-summary.json") {
			kind = "summary"
		}
		out = append(out, ImportedReport{Path: path, Kind: kind, Payload: parsed})
	}
	return out, nil
}

// ImportLogs bulk-loads plain-text log files from dir, tolerating
// unreadable individual files the same way ImportReports does.
func (s *Store) ImportLogs(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("import_logs: read failed", "path", path, "error", err)
			continue
		}
		out[e.Name()] = string(raw)
	}
	return out, nil
}
