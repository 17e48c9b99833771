package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/davidbz/ember/internal/catalog"
	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/observability"
)

// maxBodyBytes bounds inference request bodies, which may carry inline files.
const maxBodyBytes = 32 << 20

// Response and metadata headers.
const (
	HeaderInferenceID = "X-Ember-Inference-Id"
	HeaderEpisodeID   = "X-Ember-Episode-Id"
	HeaderVariant     = "X-Ember-Variant"
	HeaderLatencyMs   = "X-Ember-Latency-Ms"

	HeaderProjectID  = "X-Ember-Project-Id"
	HeaderEndpointID = "X-Ember-Endpoint-Id"
	HeaderModelID    = "X-Ember-Model-Id"
	HeaderAPIKeyID   = "X-Ember-Api-Key-Id"
	HeaderUserID     = "X-Ember-User-Id"
	HeaderCountry    = "X-Country-Code"
)

const streamDone = "[DONE]"

// Handler handles HTTP requests.
type Handler struct {
	service *domain.InferenceService
	config  domain.ConfigSource
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(service *domain.InferenceService, config domain.ConfigSource) *Handler {
	return &Handler{
		service: service,
		config:  config,
	}
}

// errorBody is the client-facing error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	InferenceID string `json:"inference_id,omitempty"`
	EpisodeID   string `json:"episode_id,omitempty"`
}

// HandleInference processes inference requests, buffered or as server-sent events.
func (h *Handler) HandleInference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Early validation.
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse request.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: failed to read body: %w", domain.ErrInvalidRequest, err))
		return
	}

	var req domain.InferenceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %w", domain.ErrInvalidRequest, err))
		return
	}
	req.RawBody = string(body)
	req.Client = clientInfo(r)
	req.Metadata = metadata(r)

	if req.ModelName != "" {
		ctx = observability.WithModel(ctx, req.ModelName)
	}

	logger := observability.FromContext(ctx)
	logger.Info("inference request received",
		observability.String("function", req.FunctionName),
		observability.String("model", req.ModelName),
		observability.Bool("stream", req.Stream),
	)

	outcome, err := h.service.Infer(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	setIdentityHeaders(w, outcome)

	if outcome.Streaming() {
		h.writeStream(w, r, outcome)
		return
	}

	logger.Info("inference succeeded",
		observability.Int("tokens", outcome.Response.Usage.Total()),
		observability.Float64("cost", outcome.Response.Cost),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(outcome.Response); err != nil {
		logger.Error("failed to encode response", observability.Error(err))
	}
}

// writeStream relays chunks as server-sent events until the service closes
// the stream. The completion marker becomes the [DONE] sentinel.
func (h *Handler) writeStream(w http.ResponseWriter, r *http.Request, outcome *domain.InferenceOutcome) {
	logger := observability.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set headers for SSE.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range outcome.Stream {
		var payload []byte
		switch {
		case chunk.Error != nil:
			logger.Warn("stream chunk error", observability.Error(chunk.Error))
			payload, _ = json.Marshal(newErrorBody(chunk.Error, outcome.Identity))
		case chunk.Done:
			payload = []byte(streamDone)
		default:
			payload, _ = json.Marshal(chunk)
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// The service notices the disconnect through the request context.
			logger.Info("client write failed", observability.Error(err))
		}
		flusher.Flush()
	}

	logger.Info("stream completed")
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "healthy"}
	if h.config != nil {
		if snapshot := h.config.Snapshot(); snapshot != nil {
			status["functions"] = catalog.FunctionNames(snapshot)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}

func setIdentityHeaders(w http.ResponseWriter, outcome *domain.InferenceOutcome) {
	w.Header().Set(HeaderInferenceID, outcome.Identity.InferenceID.String())
	w.Header().Set(HeaderEpisodeID, outcome.Identity.EpisodeID.String())
	w.Header().Set(HeaderVariant, outcome.VariantName)
	w.Header().Set(HeaderLatencyMs, strconv.FormatInt(outcome.Latency.Milliseconds(), 10))
}

func writeError(w http.ResponseWriter, err error) {
	if identity, ok := domain.IdentityOf(err); ok {
		w.Header().Set(HeaderInferenceID, identity.InferenceID.String())
		w.Header().Set(HeaderEpisodeID, identity.EpisodeID.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(domain.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(newErrorBody(err, domain.InferenceIdentity{}))
}

// newErrorBody builds the error envelope. The identity carried by err wins
// over the one passed in.
func newErrorBody(err error, identity domain.InferenceIdentity) errorBody {
	body := errorBody{Error: errorDetail{
		Message: clientMessage(err),
		Type:    domain.ErrorType(err),
	}}
	if id, ok := domain.IdentityOf(err); ok {
		identity = id
	}
	if identity.InferenceID != uuid.Nil {
		body.Error.InferenceID = identity.InferenceID.String()
		body.Error.EpisodeID = identity.EpisodeID.String()
	}
	return body
}

// clientMessage hides guardrail details from callers.
func clientMessage(err error) string {
	var policyErr *domain.PolicyError
	switch {
	case errors.As(err, &policyErr) && policyErr.Source != domain.PolicyAdmission:
		return "request rejected by content policy"
	case errors.Is(err, domain.ErrGuardrailUnavailable):
		return "content policy check unavailable"
	}
	return err.Error()
}

func clientInfo(r *http.Request) domain.ClientInfo {
	return domain.ClientInfo{
		IP:        clientIP(r),
		Country:   r.Header.Get(HeaderCountry),
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
		Method:    r.Method,
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func metadata(r *http.Request) domain.ObservabilityMetadata {
	return domain.ObservabilityMetadata{
		ProjectID:  r.Header.Get(HeaderProjectID),
		EndpointID: r.Header.Get(HeaderEndpointID),
		ModelID:    r.Header.Get(HeaderModelID),
		APIKeyID:   r.Header.Get(HeaderAPIKeyID),
		UserID:     r.Header.Get(HeaderUserID),
	}
}
