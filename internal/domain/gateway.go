package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidbz/ember/internal/metrics"
	"github.com/davidbz/ember/internal/observability"
)

const (
	modeBuffered = "buffered"
	modeStream   = "stream"
)

// ServiceDeps are the collaborators of an InferenceService. Scanner,
// Admission, Tokens and Costs may be nil.
type ServiceDeps struct {
	Config     ConfigSource
	Router     Router
	Dispatcher *Dispatcher
	Fallback   *FallbackEngine
	Scanner    GuardrailScanner
	Admission  AdmissionController
	Writer     RecordWriter
	Costs      CostCalculator
	Tokens     TokenCounter
}

// InferenceService is the single entry point of the gateway. It resolves the
// target, runs variant fallback, delivers the result buffered or streamed and
// hands every terminal outcome to the record writer.
type InferenceService struct {
	config      ConfigSource
	router      Router
	dispatcher  *Dispatcher
	fallback    *FallbackEngine
	scanner     GuardrailScanner
	admission   AdmissionController
	writer      RecordWriter
	costs       CostCalculator
	tokens      TokenCounter
	windowChars int
}

// NewInferenceService creates a new inference service (DI constructor).
func NewInferenceService(deps ServiceDeps, windowChars int) *InferenceService {
	if windowChars <= 0 {
		windowChars = DefaultWindowChars
	}
	return &InferenceService{
		config:      deps.Config,
		router:      deps.Router,
		dispatcher:  deps.Dispatcher,
		fallback:    deps.Fallback,
		scanner:     deps.Scanner,
		admission:   deps.Admission,
		writer:      deps.Writer,
		costs:       deps.Costs,
		tokens:      deps.Tokens,
		windowChars: windowChars,
	}
}

// InferenceOutcome is either a materialized response (Stream is nil) or a
// live chunk stream. WriteInfo is nil exactly when the request was a dryrun
// or the outcome is a stream, whose record is written once it completes.
type InferenceOutcome struct {
	Identity    InferenceIdentity
	VariantName string
	Latency     time.Duration

	Result    ExecutionResult
	Response  *InferenceResponse
	WriteInfo *ObservabilityWriteRecord

	Stream <-chan StreamChunk
}

// Streaming reports whether the outcome is a chunk stream.
func (o *InferenceOutcome) Streaming() bool {
	return o.Stream != nil
}

// inferenceState is the per-request mutable state. It is owned by the
// goroutine orchestrating the request.
type inferenceState struct {
	req          *InferenceRequest
	identity     InferenceIdentity
	started      time.Time
	functionName string
	variantName  string
	modality     Modality
	model        *ModelConfig
	pricing      *PricingConfig
	latency      time.Duration
	guard        *GuardrailExecutionContext

	// inputVerdicts holds input guard verdicts across fallback candidates.
	inputVerdicts map[inputScanKey]*GuardrailVerdict
}

// inputScanKey identifies one input guard scan: the profile and the exact
// texts it saw.
type inputScanKey struct {
	profile *GuardProfile
	texts   string
}

func (st *inferenceState) mode() string {
	if st.req.Stream {
		return modeStream
	}
	return modeBuffered
}

// Infer runs one inference request.
func (s *InferenceService) Infer(ctx context.Context, req *InferenceRequest) (*InferenceOutcome, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	identity, err := NewIdentity(req.EpisodeID)
	if err != nil {
		return nil, err
	}
	ctx = observability.WithInference(ctx, identity.InferenceID.String(), identity.EpisodeID.String())

	st := &inferenceState{
		req:          req,
		identity:     identity,
		started:      time.Now(),
		functionName: req.FunctionName,
		modality:     ModalityChat,
		guard:        NewGuardrailExecutionContext(s.scanner),

		inputVerdicts: make(map[inputScanKey]*GuardrailVerdict),
	}

	if denial := s.admit(ctx, req); denial != nil {
		return nil, s.fail(ctx, st, denial, nil)
	}

	if err := req.Validate(); err != nil {
		return nil, s.fail(ctx, st, err, nil)
	}

	snapshot := s.config.Snapshot()
	fn, snapshot, err := s.resolveFunction(ctx, req, snapshot)
	if err != nil {
		return nil, s.fail(ctx, st, err, nil)
	}
	st.functionName = fn.Name
	st.modality = fn.Type
	ctx = observability.WithFunction(ctx, fn.Name)

	if req.Stream && !fn.Type.Streamable() {
		err = fmt.Errorf("%w: %s functions cannot stream", ErrUnsupportedModality, fn.Type)
		return nil, s.fail(ctx, st, err, nil)
	}

	candidates, err := MaterializeCandidates(fn, req.VariantName)
	if err != nil {
		return nil, s.fail(ctx, st, err, nil)
	}

	if req.Stream {
		return s.inferStream(ctx, st, snapshot, candidates)
	}
	return s.inferBuffered(ctx, st, snapshot, candidates)
}

func (s *InferenceService) inferBuffered(
	ctx context.Context,
	st *inferenceState,
	snapshot *ConfigSnapshot,
	candidates []VariantCandidate,
) (*InferenceOutcome, error) {
	var (
		dispatched *DispatchResult
		model      *ModelConfig
	)

	run, err := s.fallback.SelectAndRun(ctx, st.functionName, st.identity.EpisodeID, candidates,
		func(vctx context.Context, candidate VariantCandidate) error {
			m, modelReq, prepErr := s.prepare(vctx, st, snapshot, candidate)
			if prepErr != nil {
				return prepErr
			}
			res, callErr := s.dispatcher.Complete(vctx, m, modelReq, st.req.CachePolicy)
			if callErr != nil {
				return callErr
			}
			dispatched, model = res, m
			return nil
		})
	if err != nil {
		return nil, s.fail(ctx, st, err, nil)
	}

	st.variantName = run.Candidate.Name
	st.model = model
	st.pricing = s.pricingFor(ctx, model)
	st.latency = dispatched.Latency
	ctx = observability.WithVariant(ctx, st.variantName)

	base := ResultBase{
		InferenceID:     st.identity.InferenceID,
		EpisodeID:       st.identity.EpisodeID,
		VariantName:     st.variantName,
		ModelInferences: []ModelInferenceRecord{dispatched.Record},
	}
	result, err := BuildResult(st.modality, base, dispatched.Response)
	if err != nil {
		return nil, s.fail(ctx, st, err, nil)
	}
	if !st.req.IncludeOriginalResponse {
		result.Common().OriginalResponse = nil
	}

	if model.OutputGuard != nil {
		if text := OutputText(result); text != "" {
			if err := s.scanOutput(ctx, st, model, text); err != nil {
				return nil, s.fail(ctx, st, err, result)
			}
		}
	}

	response := NewInferenceResponse(result)
	response.Cost = CostFor(st.pricing, result.Common().Usage, DefaultFallbackPricing)

	outcome := &InferenceOutcome{
		Identity:    st.identity,
		VariantName: st.variantName,
		Latency:     st.latency,
		Result:      result,
		Response:    response,
	}

	if !st.req.Dryrun {
		record := s.buildRecord(st, result, StatusSucceeded, nil)
		record.GatewayResponse = marshalResponse(response)
		s.writer.Write(ctx, record)
		outcome.WriteInfo = record
	}

	s.observeSuccess(st, result.Common().Usage)
	observability.FromContext(ctx).Info("inference completed",
		observability.String("mode", modeBuffered),
		observability.Duration("latency", st.latency),
		observability.Bool("cached", dispatched.Record.Cached))

	return outcome, nil
}

func (s *InferenceService) inferStream(
	ctx context.Context,
	st *inferenceState,
	snapshot *ConfigSnapshot,
	candidates []VariantCandidate,
) (*InferenceOutcome, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	var (
		stream *DispatchStream
		model  *ModelConfig
	)

	run, err := s.fallback.SelectAndRun(streamCtx, st.functionName, st.identity.EpisodeID, candidates,
		func(vctx context.Context, candidate VariantCandidate) error {
			m, modelReq, prepErr := s.prepare(vctx, st, snapshot, candidate)
			if prepErr != nil {
				return prepErr
			}
			ds, callErr := s.dispatcher.Stream(vctx, m, modelReq)
			if callErr != nil {
				return callErr
			}
			stream, model = ds, m
			return nil
		})
	if err != nil {
		cancel()
		return nil, s.fail(ctx, st, err, nil)
	}

	st.variantName = run.Candidate.Name
	st.model = model
	st.pricing = s.pricingFor(ctx, model)
	st.latency = stream.TTFT
	streamCtx = observability.WithVariant(streamCtx, st.variantName)

	chunks := stream.Chunks
	if model.OutputGuard != nil {
		window := model.OutputGuard.WindowChars
		if window <= 0 {
			window = s.windowChars
		}
		chunks = NewStreamingGuardrailGate(st.guard, model.OutputGuard, window).Run(streamCtx, chunks)
	}

	out := make(chan StreamChunk)
	go s.collect(streamCtx, cancel, st, stream, chunks, out)

	return &InferenceOutcome{
		Identity:    st.identity,
		VariantName: st.variantName,
		Latency:     stream.TTFT,
		Stream:      out,
	}, nil
}

// streamAccumulator assembles the response the client actually received.
type streamAccumulator struct {
	content   strings.Builder
	raw       strings.Builder
	toolOrder []int
	toolCalls map[int]*ToolCall
	usage     *Usage
	finish    FinishReason
}

func (a *streamAccumulator) add(chunk StreamChunk) {
	a.content.WriteString(chunk.Content)
	if chunk.Raw != "" {
		a.raw.WriteString(chunk.Raw)
		a.raw.WriteString("\n")
	}
	for _, tc := range chunk.ToolCalls {
		call, ok := a.toolCalls[tc.Index]
		if !ok {
			call = &ToolCall{}
			a.toolCalls[tc.Index] = call
			a.toolOrder = append(a.toolOrder, tc.Index)
		}
		if tc.ID != "" {
			call.ID = tc.ID
		}
		if tc.Name != "" {
			call.Name = tc.Name
		}
		call.Arguments += tc.ArgumentsDelta
	}
	if chunk.Usage != nil {
		usage := *chunk.Usage
		a.usage = &usage
	}
	if chunk.FinishReason != "" {
		a.finish = chunk.FinishReason
	}
}

func (a *streamAccumulator) calls() []ToolCall {
	if len(a.toolOrder) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.toolOrder))
	for _, idx := range a.toolOrder {
		out = append(out, *a.toolCalls[idx])
	}
	return out
}

// collect forwards chunks to the client, then records the outcome. A stream
// that completes ends with the completion marker; one that fails ends with
// its error chunk. A client that goes away drops the record.
func (s *InferenceService) collect(
	ctx context.Context,
	cancel context.CancelFunc,
	st *inferenceState,
	stream *DispatchStream,
	chunks <-chan StreamChunk,
	out chan<- StreamChunk,
) {
	defer close(out)
	defer cancel()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	logger := observability.FromContext(ctx)
	acc := &streamAccumulator{toolCalls: make(map[int]*ToolCall)}
	var streamErr error

	for chunk := range chunks {
		chunk.InferenceID = st.identity.InferenceID
		chunk.EpisodeID = st.identity.EpisodeID
		chunk.VariantName = st.variantName

		select {
		case out <- chunk:
		case <-ctx.Done():
			logger.Info("client went away, dropping stream record")
			return
		}

		if chunk.Error != nil {
			streamErr = chunk.Error
			break
		}
		acc.add(chunk)
	}

	if ctx.Err() != nil {
		logger.Info("stream cancelled, dropping stream record")
		return
	}

	usage := s.streamUsage(st, stream.ModelName, acc)
	ttft := stream.TTFT
	latency := time.Since(stream.Start)
	st.latency = latency

	base := ResultBase{
		InferenceID:  st.identity.InferenceID,
		EpisodeID:    st.identity.EpisodeID,
		VariantName:  st.variantName,
		Usage:        usage,
		FinishReason: acc.finish,
		ModelInferences: []ModelInferenceRecord{{
			ID:           newRecordID(),
			InferenceID:  st.identity.InferenceID,
			ModelName:    st.model.Name,
			ProviderName: stream.Provider,
			RawRequest:   stream.RawRequest,
			RawResponse:  acc.raw.String(),
			Usage:        usage,
			ResponseTime: latency,
			TTFT:         &ttft,
			FinishReason: acc.finish,
		}},
	}
	result := ResultFromText(st.modality, base, acc.content.String(), acc.calls())

	status := StatusSucceeded
	if streamErr != nil {
		status = statusFor(streamErr)
		metrics.RequestsTotal.WithLabelValues(st.functionName, modeStream, string(status)).Inc()
		logger.Warn("stream ended with error", observability.Error(streamErr))
	} else {
		s.observeSuccess(st, usage)
	}

	if !st.req.Dryrun {
		record := s.buildRecord(st, result, status, streamErr)
		if streamErr == nil {
			response := NewInferenceResponse(result)
			response.Cost = CostFor(st.pricing, usage, DefaultFallbackPricing)
			record.GatewayResponse = marshalResponse(response)
		}
		s.writer.Write(observability.Detach(ctx), record)
	}

	if streamErr != nil {
		return
	}

	select {
	case out <- StreamChunk{
		InferenceID: st.identity.InferenceID,
		EpisodeID:   st.identity.EpisodeID,
		VariantName: st.variantName,
		Done:        true,
	}:
	case <-ctx.Done():
	}
}

// streamUsage returns the provider-reported usage, or an estimate when the
// stream carried none.
func (s *InferenceService) streamUsage(st *inferenceState, model string, acc *streamAccumulator) Usage {
	if acc.usage != nil {
		return *acc.usage
	}
	if s.tokens == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  s.tokens.CountTokens(model, strings.Join(inputTexts(st.req.Input), "\n")),
		OutputTokens: s.tokens.CountTokens(model, acc.content.String()),
	}
}

func (s *InferenceService) resolveFunction(
	ctx context.Context,
	req *InferenceRequest,
	snapshot *ConfigSnapshot,
) (*FunctionConfig, *ConfigSnapshot, error) {
	if req.FunctionName != "" {
		fn, err := snapshot.GetFunction(req.FunctionName)
		if err != nil {
			return nil, nil, err
		}
		return fn, snapshot, nil
	}

	if s.router == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownModel, req.ModelName)
	}
	routed, err := s.router.Route(ctx, &RouteRequest{Model: req.ModelName, Snapshot: snapshot})
	if err != nil {
		return nil, nil, err
	}
	return routed.Function, routed.Snapshot, nil
}

// prepare resolves the candidate's model, runs the input guardrail and builds
// the provider request.
func (s *InferenceService) prepare(
	ctx context.Context,
	st *inferenceState,
	snapshot *ConfigSnapshot,
	candidate VariantCandidate,
) (*ModelConfig, *ModelRequest, error) {
	model, ok := snapshot.GetModel(candidate.Variant.Model)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownModel, candidate.Variant.Model)
	}

	input := st.req.Input
	system := candidate.Variant.SystemPrompt
	if input.System != "" {
		if system != "" {
			system += "\n\n"
		}
		system += input.System
	}

	if model.InputGuard != nil {
		texts := inputTexts(Input{Messages: input.Messages, Texts: input.Texts})
		if system != "" {
			texts = append([]string{system}, texts...)
		}
		verdict, err := s.scanInput(ctx, st, model.InputGuard, texts)
		if err != nil {
			return nil, nil, err
		}
		if verdict.Flagged {
			return nil, nil, &PolicyError{
				Source: PolicyInputGuard,
				Rule:   model.InputGuard.Name,
				Reason: "request content flagged",
			}
		}
	}

	return model, &ModelRequest{
		InferenceID:  st.identity.InferenceID,
		Modality:     st.modality,
		Model:        model.Name,
		System:       system,
		Messages:     input.Messages,
		Texts:        input.Texts,
		File:         input.File,
		Params:       st.req.Params.Merge(candidate.Variant.Params),
		JSONMode:     st.modality == ModalityJSON,
		Stream:       st.req.Stream,
		Credentials:  st.req.Credentials,
		ExtraBody:    st.req.ExtraBody,
		ExtraHeaders: st.req.ExtraHeaders,
	}, nil
}

// scanInput scans texts once per guard profile. Later candidates that send
// the same input under the same profile reuse the verdict.
func (s *InferenceService) scanInput(
	ctx context.Context,
	st *inferenceState,
	profile *GuardProfile,
	texts []string,
) (*GuardrailVerdict, error) {
	key := inputScanKey{profile: profile, texts: strings.Join(texts, "\x00")}
	if verdict, ok := st.inputVerdicts[key]; ok {
		return verdict, nil
	}

	verdict, err := st.guard.Scan(ctx, GuardrailScanInput{
		Profile:     profile,
		GuardType:   GuardTypeInput,
		Mode:        ScanModeSingle,
		Texts:       texts,
		InferenceID: st.identity.InferenceID,
	})
	if err != nil {
		return nil, err
	}
	st.inputVerdicts[key] = verdict
	return verdict, nil
}

func (s *InferenceService) scanOutput(ctx context.Context, st *inferenceState, model *ModelConfig, text string) error {
	verdict, err := st.guard.Scan(ctx, GuardrailScanInput{
		Profile:     model.OutputGuard,
		GuardType:   GuardTypeOutput,
		Mode:        ScanModeSingle,
		Texts:       []string{text},
		InferenceID: st.identity.InferenceID,
	})
	if err != nil {
		return err
	}
	if verdict.Flagged {
		return &PolicyError{
			Source: PolicyOutputGuard,
			Rule:   model.OutputGuard.Name,
			Reason: "response content flagged",
		}
	}
	return nil
}

func (s *InferenceService) admit(ctx context.Context, req *InferenceRequest) error {
	if s.admission == nil {
		return nil
	}

	decision, err := s.admission.ShouldBlock(ctx, req.Client)
	if err != nil {
		observability.FromContext(ctx).Warn("admission check failed, allowing request", observability.Error(err))
		return nil
	}
	if decision == nil {
		return nil
	}
	return &PolicyError{Source: PolicyAdmission, Rule: decision.Rule, Reason: decision.Reason}
}

// fail records a terminal failure and returns it with the request identity.
// result may be nil, in which case an empty result of the function's
// modality is recorded.
func (s *InferenceService) fail(ctx context.Context, st *inferenceState, err error, result ExecutionResult) error {
	status := statusFor(err)
	metrics.RequestsTotal.WithLabelValues(st.functionName, st.mode(), string(status)).Inc()

	logger := observability.FromContext(ctx)
	if status == StatusBlocked {
		logger.Warn("inference blocked", observability.Error(err))
	} else {
		logger.Error("inference failed", observability.Error(err))
	}

	if !st.req.Dryrun && s.writer != nil {
		if result == nil {
			result = EmptyResult(st.modality, ResultBase{
				InferenceID: st.identity.InferenceID,
				EpisodeID:   st.identity.EpisodeID,
				VariantName: st.variantName,
			})
		}
		s.writer.Write(ctx, s.buildRecord(st, result, status, err))
	}

	return &InferenceError{Identity: st.identity, Err: err}
}

func (s *InferenceService) buildRecord(
	st *inferenceState,
	result ExecutionResult,
	status RecordStatus,
	err error,
) *ObservabilityWriteRecord {
	st.guard.FinalizeIDs(st.identity.InferenceID)

	processing := st.latency
	if processing == 0 {
		processing = time.Since(st.started)
	}

	record := &ObservabilityWriteRecord{
		Identity:       st.identity,
		FunctionName:   st.functionName,
		VariantName:    st.variantName,
		Modality:       st.modality,
		Input:          st.req.Input,
		Result:         result,
		Tags:           st.req.Tags,
		ProcessingTime: processing,
		Metadata:       st.req.Metadata,
		GatewayRequest: st.req.RawBody,
		Guardrail:      st.guard.Records(),
		Status:         status,
		StatusCode:     HTTPStatus(err),
		Params:         st.req.Params,
		ExtraBody:      st.req.ExtraBody,
		CreatedAt:      time.Now().UTC(),
	}
	if st.pricing != nil {
		pricing := *st.pricing
		record.Pricing = &pricing
	}
	if err != nil {
		record.Error = err.Error()
	}
	return record
}

// pricingFor resolves the pricing a request is billed at. The response cost
// and the persisted record both price usage with it.
func (s *InferenceService) pricingFor(ctx context.Context, model *ModelConfig) *PricingConfig {
	pricing := DefaultFallbackPricing
	switch {
	case s.costs != nil:
		pricing = s.costs.PricingFor(ctx, model.Name, model.Pricing)
	case model.Pricing != nil:
		pricing = *model.Pricing
	}
	return &pricing
}

func marshalResponse(response *InferenceResponse) string {
	body, err := json.Marshal(response)
	if err != nil {
		return ""
	}
	return string(body)
}

func (s *InferenceService) observeSuccess(st *inferenceState, usage Usage) {
	mode := st.mode()
	metrics.RequestsTotal.WithLabelValues(st.functionName, mode, string(StatusSucceeded)).Inc()
	metrics.InferenceLatency.WithLabelValues(st.functionName, st.variantName, mode).Observe(st.latency.Seconds())
	metrics.TokenUsageTotal.WithLabelValues(st.functionName, "input").Add(float64(usage.InputTokens))
	metrics.TokenUsageTotal.WithLabelValues(st.functionName, "output").Add(float64(usage.OutputTokens))
}

func statusFor(err error) RecordStatus {
	var policyErr *PolicyError
	if errors.As(err, &policyErr) {
		return StatusBlocked
	}
	return StatusFailed
}

// inputTexts flattens the text content of an input for scanning and counting.
func inputTexts(input Input) []string {
	texts := make([]string, 0, len(input.Messages)+len(input.Texts)+1)
	if input.System != "" {
		texts = append(texts, input.System)
	}
	for _, m := range input.Messages {
		if m.Content != "" {
			texts = append(texts, m.Content)
		}
	}
	return append(texts, input.Texts...)
}
