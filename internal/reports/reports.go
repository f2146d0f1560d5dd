// Package reports is the Report Coordinator: component H. Given a scan
// result and an output directory it emits HTML/Markdown/JSON/summary
// artifacts, and prunes old ones on a schedule driven by robfig/cron —
// the same periodic-sweep pattern the Persistence Store's recovery
// scheduler uses.
package reports

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScanResult is the opaque payload the coordinator renders. Fields the
// core doesn't interpret (Metrics, DetailedMetrics) stay as raw JSON so
// any pipeline's result shape can flow through unchanged.
type ScanResult struct {
	ScanType        string          `json:"scanType"`
	Repositories    []string        `json:"repositories"`
	StartedAt       *time.Time      `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt"`
	Metrics         json.RawMessage `json:"metrics,omitempty"`
	DetailedMetrics json.RawMessage `json:"detailedMetrics,omitempty"`
	Summary         string          `json:"summary,omitempty"`
}

// Duration returns the scan's wall-clock duration, or nil if either
// timestamp is absent — a null timestamp propagates as a null duration
// rather than a zero one.
func (r ScanResult) Duration() *time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	d := r.CompletedAt.Sub(*r.StartedAt)
	return &d
}

// Coordinator emits and prunes report artifacts.
type Coordinator struct {
	outputDir string
	maxAge    time.Duration
	cron      *cron.Cron
}

func New(outputDir string, maxAge time.Duration) *Coordinator {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Coordinator{outputDir: outputDir, maxAge: maxAge, cron: cron.New()}
}

// Artifacts is the set of paths Emit wrote.
type Artifacts struct {
	HTML    string
	Markdown string
	JSON    string
	Summary string
}

// Emit writes <base>.html, <base>.md, <base>.json, <base>-summary.json
// into the coordinator's output directory, creating it if absent. Base
// name is derived from scan type, repository name(s), and today's date.
func (c *Coordinator) Emit(result ScanResult) (Artifacts, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return Artifacts{}, err
	}

	base := baseName(result)
	a := Artifacts{
		HTML:     filepath.Join(c.outputDir, base+".html"),
		Markdown: filepath.Join(c.outputDir, base+".md"),
		JSON:     filepath.Join(c.outputDir, base+".json"),
		Summary:  filepath.Join(c.outputDir, base+"-summary.json"),
	}

	if err := os.WriteFile(a.HTML, []byte(renderHTML(result)), 0o644); err != nil {
		return a, err
	}
	if err := os.WriteFile(a.Markdown, []byte(renderMarkdown(result)), 0o644); err != nil {
		return a, err
	}
	full, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return a, err
	}
	if err := os.WriteFile(a.JSON, full, 0o644); err != nil {
		return a, err
	}
	summary, err := json.MarshalIndent(summaryOf(result), "", "  ")
	if err != nil {
		return a, err
	}
	if err := os.WriteFile(a.Summary, summary, 0o644); err != nil {
		return a, err
	}
	return a, nil
}

func baseName(r ScanResult) string {
	repo := "unknown"
	if len(r.Repositories) > 0 {
		repo = sanitizeName(r.Repositories[0])
		if len(r.Repositories) > 1 {
			repo += fmt.Sprintf("-and-%d-more", len(r.Repositories)-1)
		}
	}
	scanType := sanitizeName(r.ScanType)
	if scanType == "" {
		scanType = "scan"
	}
	date := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("%s-%s-%s", scanType, repo, date)
}

func sanitizeName(s string) string {
	s = filepath.Base(s)
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune('-')
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

type summary struct {
	ScanType     string   `json:"scanType"`
	Repositories []string `json:"repositories"`
	DurationMS   *int64   `json:"durationMs"`
	Summary      string   `json:"summary,omitempty"`
}

func summaryOf(r ScanResult) summary {
	s := summary{ScanType: r.ScanType, Repositories: r.Repositories, Summary: r.Summary}
	if d := r.Duration(); d != nil {
		ms := d.Milliseconds()
		s.DurationMS = &ms
	}
	return s
}

func renderHTML(r ScanResult) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(r.ScanType))
	b.WriteString(" report</title></head><body>\n")
	b.WriteString("<h1>")
	b.WriteString(html.EscapeString(r.ScanType))
	b.WriteString(" scan report</h1>\n<ul>\n")
	for _, repo := range r.Repositories {
		b.WriteString("<li>")
		b.WriteString(html.EscapeString(repo))
		b.WriteString("</li>\n")
	}
	b.WriteString("</ul>\n")
	if d := r.Duration(); d != nil {
		fmt.Fprintf(&b, "<p>Duration: %s</p>\n", html.EscapeString(d.String()))
	} else {
		b.WriteString("<p>Duration: unknown</p>\n")
	}
	if r.Summary != "" {
		b.WriteString("<pre>")
		b.WriteString(html.EscapeString(r.Summary))
		b.WriteString("</pre>\n")
	}
	b.WriteString("</body></html>\n")
	return b.String()
}

func renderMarkdown(r ScanResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s scan report\n\n", r.ScanType)
	for _, repo := range r.Repositories {
		fmt.Fprintf(&b, "- %s\n", repo)
	}
	b.WriteString("\n")
	if d := r.Duration(); d != nil {
		fmt.Fprintf(&b, "Duration: %s\n\n", d.String())
	} else {
		b.WriteString("Duration: unknown\n\n")
	}
	if r.Summary != "" {
		fmt.Fprintf(&b, "```\n%s\n```\n", r.Summary)
	}
	return b.String()
}

// StartPruneSchedule runs a daily sweep that deletes artifacts older
// than maxAge, skipping subdirectories.
func (c *Coordinator) StartPruneSchedule() {
	c.cron.AddFunc("@daily", func() { _ = c.Prune() })
	c.cron.Start()
}

func (c *Coordinator) StopPruneSchedule() {
	c.cron.Stop()
}

// Prune removes files in the output directory whose modification time
// exceeds maxAge. Subdirectories are left untouched.
func (c *Coordinator) Prune() error {
	entries, err := os.ReadDir(c.outputDir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-c.maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(c.outputDir, e.Name()))
		}
	}
	return nil
}
