package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidbz/ember/internal/metrics"
)

// GuardType is the side of the model call a guardrail applies to.
type GuardType string

const (
	GuardTypeInput  GuardType = "input"
	GuardTypeOutput GuardType = "output"
)

// ScanMode distinguishes a one-shot scan from one window of a live stream.
type ScanMode string

const (
	ScanModeSingle          ScanMode = "single"
	ScanModeStreamingWindow ScanMode = "streaming_window"
)

// DefaultWindowChars is the stream window size used when a profile sets none.
const DefaultWindowChars = 50

// GuardrailScanInput is one call to a GuardrailScanner.
type GuardrailScanInput struct {
	Profile     *GuardProfile
	GuardType   GuardType
	Mode        ScanMode
	Texts       []string
	InferenceID uuid.UUID
	WindowIndex int
}

// GuardrailVerdict is the outcome of one scan.
type GuardrailVerdict struct {
	Flagged         bool               `json:"flagged"`
	CategoryScores  map[string]float64 `json:"category_scores"`
	ProviderResults []string           `json:"provider_results,omitempty"`
}

// GuardrailScanRecord is the persisted form of one scan.
type GuardrailScanRecord struct {
	ID              uuid.UUID          `json:"id"`
	InferenceID     uuid.UUID          `json:"inference_id"`
	ProfileName     string             `json:"profile_name"`
	GuardType       GuardType          `json:"guard_type"`
	Mode            ScanMode           `json:"scan_mode"`
	WindowIndex     int                `json:"window_index"`
	Flagged         bool               `json:"flagged"`
	CategoryScores  map[string]float64 `json:"category_scores"`
	ProviderResults []string           `json:"provider_results,omitempty"`
	Latency         time.Duration      `json:"latency"`
	CreatedAt       time.Time          `json:"created_at"`
}

// GuardrailExecutionContext accumulates the scans of one request.
// It is owned by the goroutine orchestrating that request and is not safe
// for concurrent use.
type GuardrailExecutionContext struct {
	scanner GuardrailScanner
	records []GuardrailScanRecord
}

// NewGuardrailExecutionContext creates an empty context scanning through scanner.
func NewGuardrailExecutionContext(scanner GuardrailScanner) *GuardrailExecutionContext {
	return &GuardrailExecutionContext{scanner: scanner}
}

// Scan runs one scan and records it. A scanner failure is returned wrapped
// in ErrGuardrailUnavailable; nothing is recorded for it.
func (g *GuardrailExecutionContext) Scan(
	ctx context.Context,
	in GuardrailScanInput,
) (*GuardrailVerdict, error) {
	if g.scanner == nil {
		return nil, fmt.Errorf("%w: no scanner configured", ErrGuardrailUnavailable)
	}

	start := time.Now()
	verdict, err := g.scanner.Scan(ctx, in)
	if err != nil {
		metrics.GuardrailScansTotal.WithLabelValues(string(in.GuardType), string(in.Mode), "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGuardrailUnavailable, err)
	}

	label := "pass"
	if verdict.Flagged {
		label = "flagged"
	}
	metrics.GuardrailScansTotal.WithLabelValues(string(in.GuardType), string(in.Mode), label).Inc()

	profileName := ""
	if in.Profile != nil {
		profileName = in.Profile.Name
	}

	g.records = append(g.records, GuardrailScanRecord{
		ID:              newRecordID(),
		InferenceID:     in.InferenceID,
		ProfileName:     profileName,
		GuardType:       in.GuardType,
		Mode:            in.Mode,
		WindowIndex:     in.WindowIndex,
		Flagged:         verdict.Flagged,
		CategoryScores:  verdict.CategoryScores,
		ProviderResults: verdict.ProviderResults,
		Latency:         time.Since(start),
		CreatedAt:       start.UTC(),
	})

	return verdict, nil
}

// Records returns a copy of the accumulated scan records.
func (g *GuardrailExecutionContext) Records() []GuardrailScanRecord {
	if g == nil {
		return nil
	}
	out := make([]GuardrailScanRecord, len(g.records))
	copy(out, g.records)
	return out
}

// Flagged reports whether any recorded scan flagged its input.
func (g *GuardrailExecutionContext) Flagged() bool {
	if g == nil {
		return false
	}
	for _, r := range g.records {
		if r.Flagged {
			return true
		}
	}
	return false
}

// FinalizeIDs rewrites placeholder inference ids on every recorded scan.
func (g *GuardrailExecutionContext) FinalizeIDs(inferenceID uuid.UUID) {
	if g == nil {
		return
	}
	FinalizeGuardrailIDs(g.records, inferenceID)
}

// FinalizeGuardrailIDs sets inferenceID on every record still carrying the nil id.
// Any path that persists scan records applies it first.
func FinalizeGuardrailIDs(records []GuardrailScanRecord, inferenceID uuid.UUID) {
	for i := range records {
		if records[i].InferenceID == uuid.Nil {
			records[i].InferenceID = inferenceID
		}
	}
}

// GuardrailSummary is the compact form attached to a model inference row.
type GuardrailSummary struct {
	Scans          int                `json:"scans"`
	Flagged        bool               `json:"flagged"`
	CategoryScores map[string]float64 `json:"category_scores,omitempty"`
}

// SummarizeGuardrail merges scan records into one summary, keeping the
// highest score seen per category. It returns "" when there are no records.
func SummarizeGuardrail(records []GuardrailScanRecord) string {
	if len(records) == 0 {
		return ""
	}

	summary := GuardrailSummary{Scans: len(records), CategoryScores: map[string]float64{}}
	for _, r := range records {
		summary.Flagged = summary.Flagged || r.Flagged
		for category, score := range r.CategoryScores {
			if score > summary.CategoryScores[category] {
				summary.CategoryScores[category] = score
			}
		}
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(data)
}
