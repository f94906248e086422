package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/loglens/api/internal/model"
	"github.com/loglens/api/internal/redact"
)

// classify fetches the job's input manifest from storage, concatenates the
// artifacts and detects the log format and severity distribution.
func (e *Executor) classify(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	files, err := e.store.ListFiles(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if len(files) == 0 {
		return nil, Permanent(fmt.Errorf("job has no attached files"))
	}

	var sb strings.Builder
	for _, f := range files {
		data, err := e.storage.Download(ctx, f.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", f.Name, err)
		}
		st.FileNames = append(st.FileNames, f.Name)
		sb.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			sb.WriteByte('\n')
		}
	}
	st.Raw = sb.String()

	if strings.TrimSpace(st.Raw) == "" {
		return nil, Permanent(fmt.Errorf("no processable content in %d file(s)", len(files)))
	}

	lines := splitLines(st.Raw)
	st.Lines = len(lines)
	st.Format = detectFormat(lines)
	st.Severities = countSeverities(lines)

	return &StageResult{
		Message: fmt.Sprintf("classified %d lines as %s", st.Lines, st.Format),
		Detail: map[string]interface{}{
			"files":      st.FileNames,
			"lines":      st.Lines,
			"format":     string(st.Format),
			"severities": st.Severities,
		},
	}, nil
}

// redactStage strips sensitive values before any content is chunked,
// embedded or sent to a provider.
func (e *Executor) redactStage(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	res := redact.Redact(st.Raw)
	st.Clean = res.Clean
	st.Redacted = res.Redacted
	st.Warnings = res.Warnings

	detail := map[string]interface{}{"redacted": res.Redacted}
	if len(res.Warnings) > 0 {
		detail["warnings"] = res.Warnings
	}
	return &StageResult{
		Message: fmt.Sprintf("redacted %d sensitive values", res.Redacted),
		Detail:  detail,
	}, nil
}

// chunk windows the cleaned text into overlapping line ranges.
func (e *Executor) chunk(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	lines := splitLines(st.Clean)
	step := e.cfg.ChunkLines - e.cfg.ChunkOverlap
	for start := 0; start < len(lines); start += step {
		end := start + e.cfg.ChunkLines
		if end > len(lines) {
			end = len(lines)
		}
		st.Chunks = append(st.Chunks, Chunk{
			Index:     len(st.Chunks),
			StartLine: start + 1,
			Text:      strings.Join(lines[start:end], "\n"),
		})
		if end == len(lines) {
			break
		}
	}
	if len(st.Chunks) == 0 {
		return nil, Permanent(fmt.Errorf("no chunks produced from %d lines", len(lines)))
	}
	return &StageResult{
		Message: fmt.Sprintf("split into %d chunks", len(st.Chunks)),
		Detail:  map[string]interface{}{"chunks": len(st.Chunks), "chunkLines": e.cfg.ChunkLines},
	}, nil
}

// embed produces one vector per chunk, batched. Without a configured
// provider a deterministic local vector stands in.
func (e *Executor) embed(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	if e.embedder == nil || !e.embedder.IsConfigured() {
		for _, c := range st.Chunks {
			st.Vectors = append(st.Vectors, localVector(c.Text))
		}
		return &StageResult{
			Message: fmt.Sprintf("embedded %d chunks (local fallback)", len(st.Vectors)),
			Detail:  map[string]interface{}{"vectors": len(st.Vectors), "provider": "local"},
		}, nil
	}

	st.Vectors = st.Vectors[:0]
	for start := 0; start < len(st.Chunks); start += e.cfg.EmbedBatch {
		end := start + e.cfg.EmbedBatch
		if end > len(st.Chunks) {
			end = len(st.Chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range st.Chunks[start:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed batch at %d: %w", start, err)
		}
		st.Vectors = append(st.Vectors, vectors...)
	}
	return &StageResult{
		Message: fmt.Sprintf("embedded %d chunks", len(st.Vectors)),
		Detail:  map[string]interface{}{"vectors": len(st.Vectors)},
	}, nil
}

// storeBundle persists the intermediate analysis bundle; its key is the
// durable reference for everything the later stages summarize.
func (e *Executor) storeBundle(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	bundle := map[string]interface{}{
		"jobId":      job.ID,
		"format":     st.Format,
		"lines":      st.Lines,
		"severities": st.Severities,
		"redacted":   st.Redacted,
		"chunks":     st.Chunks,
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	key := fmt.Sprintf("analyses/%s/bundle.json", job.ID)
	ref, err := e.storage.Upload(ctx, key, bytes.NewReader(data), "application/json")
	if err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}
	st.BundleKey = ref

	return &StageResult{
		Message: "analysis bundle stored",
		Detail:  map[string]interface{}{"bundleKey": ref, "bytes": len(data)},
	}, nil
}

// incidentSignature is one known failure pattern the correlate stage scans
// for.
type incidentSignature struct {
	kind     string
	keywords []string
}

var incidentSignatures = []incidentSignature{
	{"out-of-memory", []string{"out of memory", "oom-killer", "oomkilled", "cannot allocate memory"}},
	{"disk-pressure", []string{"no space left on device", "disk full", "read-only file system"}},
	{"auth-failure", []string{"authentication failure", "invalid credentials", "access denied", "permission denied", "unauthorized"}},
	{"network-fault", []string{"connection refused", "connection reset", "timed out", "timeout", "unreachable"}},
	{"crash", []string{"panic:", "segmentation fault", "fatal error", "core dumped"}},
}

// correlate scores chunks against the built-in incident signatures.
func (e *Executor) correlate(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	for _, sig := range incidentSignatures {
		inc := Incident{Kind: sig.kind}
		for _, c := range st.Chunks {
			lower := strings.ToLower(c.Text)
			for _, kw := range sig.keywords {
				n := strings.Count(lower, kw)
				if n == 0 {
					continue
				}
				inc.Matches += n
				if inc.Sample == "" {
					inc.Sample = sampleLine(c.Text, kw)
				}
			}
		}
		if inc.Matches > 0 {
			st.Incidents = append(st.Incidents, inc)
		}
	}

	kinds := make([]string, 0, len(st.Incidents))
	for _, inc := range st.Incidents {
		kinds = append(kinds, inc.Kind)
	}
	return &StageResult{
		Message: fmt.Sprintf("correlated %d incident type(s)", len(st.Incidents)),
		Detail:  map[string]interface{}{"incidents": kinds},
	}, nil
}

// analyze asks the analysis provider for a narrative. Unconfigured
// providers fall back to a canned summary so the pipeline stays usable in
// development.
func (e *Executor) analyze(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	if e.llm == nil || !e.llm.IsConfigured() {
		st.Narrative = fallbackNarrative(st)
		return &StageResult{
			Message: "narrative generated (local fallback)",
			Detail:  map[string]interface{}{"provider": "local", "characters": len(st.Narrative)},
		}, nil
	}

	system := "You are an incident analysis assistant. Given classified, redacted log excerpts " +
		"and correlated incident signals, produce a concise root-cause narrative with remediation suggestions."
	narrative, err := e.llm.Complete(ctx, job.Model, system, buildAnalysisPrompt(st))
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	st.Narrative = narrative

	return &StageResult{
		Message: "narrative generated",
		Detail:  map[string]interface{}{"provider": job.Provider, "characters": len(narrative)},
	}, nil
}

// report assembles the final report; it rides in the stage-completed detail
// and the terminal event, durability of the full result being delegated to
// the stored bundle.
func (e *Executor) report(ctx context.Context, job *model.Job, st *State) (*StageResult, error) {
	st.Report = &Report{
		Summary:    fmt.Sprintf("%d lines (%s), %d incident type(s), %d values redacted", st.Lines, st.Format, len(st.Incidents), st.Redacted),
		Format:     st.Format,
		Lines:      st.Lines,
		Severities: st.Severities,
		Redacted:   st.Redacted,
		ChunkCount: len(st.Chunks),
		Incidents:  st.Incidents,
		Narrative:  st.Narrative,
		BundleKey:  st.BundleKey,
	}

	detail := map[string]interface{}{
		"summary":    st.Report.Summary,
		"format":     string(st.Report.Format),
		"lines":      st.Report.Lines,
		"severities": st.Report.Severities,
		"redacted":   st.Report.Redacted,
		"chunkCount": st.Report.ChunkCount,
		"incidents":  st.Report.Incidents,
		"narrative":  st.Report.Narrative,
		"bundleKey":  st.Report.BundleKey,
	}
	return &StageResult{Message: "report assembled", Detail: detail}, nil
}

// helpers

func splitLines(text string) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

var syslogRe = regexp.MustCompile(`^(<\d+>|[A-Z][a-z]{2} +\d{1,2} \d{2}:\d{2}:\d{2})`)

func detectFormat(lines []string) model.LogFormat {
	jsonCount, syslogCount := 0, 0
	probe := lines
	if len(probe) > 50 {
		probe = probe[:50]
	}
	for _, line := range probe {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			jsonCount++
		} else if syslogRe.MatchString(trimmed) {
			syslogCount++
		}
	}
	switch {
	case jsonCount > len(probe)/2:
		return model.LogFormatJSON
	case syslogCount > len(probe)/2:
		return model.LogFormatSyslog
	default:
		return model.LogFormatPlain
	}
}

func countSeverities(lines []string) map[string]int {
	counts := map[string]int{"error": 0, "warn": 0, "info": 0}
	for _, line := range lines {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") || strings.Contains(lower, "panic"):
			counts["error"]++
		case strings.Contains(lower, "warn"):
			counts["warn"]++
		case strings.Contains(lower, "info"):
			counts["info"]++
		}
	}
	return counts
}

func sampleLine(text, keyword string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), keyword) {
			if len(line) > 200 {
				return line[:200]
			}
			return line
		}
	}
	return ""
}

func buildAnalysisPrompt(st *State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Log format: %s. Lines: %d. Severities: %v.\n", st.Format, st.Lines, st.Severities)
	if len(st.Incidents) > 0 {
		sb.WriteString("Correlated incidents:\n")
		for _, inc := range st.Incidents {
			fmt.Fprintf(&sb, "- %s (%d matches), e.g. %q\n", inc.Kind, inc.Matches, inc.Sample)
		}
	} else {
		sb.WriteString("No known incident signatures matched.\n")
	}
	sb.WriteString("\nRepresentative excerpts:\n")
	for i, c := range st.Chunks {
		if i >= 3 {
			break
		}
		text := c.Text
		if len(text) > 1500 {
			text = text[:1500]
		}
		fmt.Fprintf(&sb, "--- chunk %d (from line %d) ---\n%s\n", c.Index, c.StartLine, text)
	}
	return sb.String()
}

func fallbackNarrative(st *State) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Automated summary: analyzed %d lines of %s logs. ", st.Lines, st.Format)
	if len(st.Incidents) == 0 {
		sb.WriteString("No known incident signatures were detected.")
		return sb.String()
	}
	sb.WriteString("Detected: ")
	for i, inc := range st.Incidents {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s (%d matches)", inc.Kind, inc.Matches)
	}
	sb.WriteString(". Review the sampled lines in the stored bundle for root-cause confirmation.")
	return sb.String()
}
