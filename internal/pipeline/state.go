package pipeline

import (
	"hash/fnv"

	"github.com/loglens/api/internal/model"
)

// State accumulates intermediate artifacts as stages run. Each stage reads
// what earlier stages produced and writes its own fields; nothing here is
// persisted directly — durable results go through the store stage and the
// event log.
type State struct {
	Raw       string
	FileNames []string

	Format     model.LogFormat
	Lines      int
	Severities map[string]int

	Clean    string
	Redacted int
	Warnings []string

	Chunks  []Chunk
	Vectors [][]float32

	BundleKey string

	Incidents []Incident
	Narrative string
	Report    *Report
}

// Chunk is one window of the cleaned log text.
type Chunk struct {
	Index     int    `json:"index"`
	StartLine int    `json:"startLine"`
	Text      string `json:"text"`
}

// Incident is a correlated match against a known failure signature.
type Incident struct {
	Kind    string `json:"kind"`
	Matches int    `json:"matches"`
	Sample  string `json:"sample"`
}

// Report is the assembled output of a completed analysis.
type Report struct {
	Summary    string          `json:"summary"`
	Format     model.LogFormat `json:"format"`
	Lines      int             `json:"lines"`
	Severities map[string]int `json:"severities"`
	Redacted   int            `json:"redacted"`
	ChunkCount int            `json:"chunkCount"`
	Incidents  []Incident     `json:"incidents"`
	Narrative  string         `json:"narrative"`
	BundleKey  string         `json:"bundleKey"`
}

// localVector is the deterministic embedding used when no provider is
// configured: stable per input, cheap, and good enough for tests and
// offline development.
func localVector(text string) []float32 {
	const dims = 8
	vec := make([]float32, dims)
	h := fnv.New64a()
	for i := 0; i < dims; i++ {
		h.Reset()
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.Write([]byte(text))
		vec[i] = float32(h.Sum64()%1000) / 1000
	}
	return vec
}
