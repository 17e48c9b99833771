package domain

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/davidbz/ember/internal/observability"
)

// StreamingGuardrailGate holds streamed chunks back until the window of text
// they cover has passed an output scan.
type StreamingGuardrailGate struct {
	guard       *GuardrailExecutionContext
	profile     *GuardProfile
	windowChars int
}

// NewStreamingGuardrailGate creates a gate releasing text in windows of at
// least windowChars characters. Scans are recorded in guard.
func NewStreamingGuardrailGate(
	guard *GuardrailExecutionContext,
	profile *GuardProfile,
	windowChars int,
) *StreamingGuardrailGate {
	if windowChars <= 0 {
		windowChars = DefaultWindowChars
	}
	return &StreamingGuardrailGate{
		guard:       guard,
		profile:     profile,
		windowChars: windowChars,
	}
}

type gateState struct {
	chunks      []StreamChunk
	text        strings.Builder
	textLen     int
	windowIndex int
	lastID      uuid.UUID
}

func (s *gateState) reset() {
	s.chunks = s.chunks[:0]
	s.text.Reset()
	s.textLen = 0
}

// Run consumes in and returns the gated stream. Chunks leave in upstream
// order and only after their window was scanned clean. A flagged window or a
// failed scan ends the stream with a single error chunk; an upstream error is
// forwarded at once and unscanned chunks are dropped.
func (g *StreamingGuardrailGate) Run(ctx context.Context, in <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		state := &gateState{}
		emit := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for chunk := range in {
			if chunk.InferenceID != uuid.Nil {
				state.lastID = chunk.InferenceID
			}

			if chunk.Error != nil {
				emit(chunk)
				return
			}

			state.chunks = append(state.chunks, chunk)
			if chunk.Content != "" {
				state.text.WriteString(chunk.Content)
				state.textLen += utf8.RuneCountInString(chunk.Content)
			}

			if state.textLen >= g.windowChars || chunk.FinishReason != "" {
				if !g.release(ctx, state, emit) {
					return
				}
			}
		}

		if len(state.chunks) > 0 {
			g.release(ctx, state, emit)
		}
	}()

	return out
}

// release scans the buffered window and flushes it when clean. It returns
// false when the stream must end.
func (g *StreamingGuardrailGate) release(
	ctx context.Context,
	state *gateState,
	emit func(StreamChunk) bool,
) bool {
	if state.textLen == 0 {
		return g.flush(state, emit)
	}

	state.windowIndex++
	verdict, err := g.guard.Scan(ctx, GuardrailScanInput{
		Profile:     g.profile,
		GuardType:   GuardTypeOutput,
		Mode:        ScanModeStreamingWindow,
		Texts:       []string{state.text.String()},
		InferenceID: state.lastID,
		WindowIndex: state.windowIndex,
	})
	if err != nil {
		observability.FromContext(ctx).Error("stream guardrail scan failed",
			observability.Int("window_index", state.windowIndex),
			observability.Error(err))
		emit(StreamChunk{InferenceID: state.lastID, Error: err})
		return false
	}

	if verdict.Flagged {
		observability.FromContext(ctx).Warn("stream window flagged by output guardrail",
			observability.Int("window_index", state.windowIndex))
		emit(StreamChunk{
			InferenceID: state.lastID,
			Error: &PolicyError{
				Source: PolicyOutputGuard,
				Rule:   g.profileName(),
				Reason: "response content flagged",
			},
		})
		return false
	}

	return g.flush(state, emit)
}

func (g *StreamingGuardrailGate) flush(state *gateState, emit func(StreamChunk) bool) bool {
	for _, chunk := range state.chunks {
		if !emit(chunk) {
			return false
		}
	}
	state.reset()
	return true
}

func (g *StreamingGuardrailGate) profileName() string {
	if g.profile == nil {
		return ""
	}
	return g.profile.Name
}
