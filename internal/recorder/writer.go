package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/metrics"
	"github.com/davidbz/ember/internal/observability"
)

const (
	tableModelInference = "model_inference"
	tableGuardrailScan  = "guardrail_scan"

	filePrefix = "observability/files/"
)

// Options configures a FanOutWriter.
type Options struct {
	// AsyncWrites detaches the fan-out from the request path.
	AsyncWrites     bool
	FallbackPricing domain.PricingConfig
}

// FanOutWriter persists one observability record to every configured sink.
// A nil sink is skipped.
type FanOutWriter struct {
	store   domain.ColumnarStore
	bus     domain.EventPublisher
	objects domain.ObjectStore
	spawner Spawner
	opts    Options
}

// NewFanOutWriter creates a new FanOutWriter.
func NewFanOutWriter(
	store domain.ColumnarStore,
	bus domain.EventPublisher,
	objects domain.ObjectStore,
	spawner Spawner,
	opts Options,
) *FanOutWriter {
	if spawner == nil {
		spawner = NewGoSpawner()
	}
	return &FanOutWriter{
		store:   store,
		bus:     bus,
		objects: objects,
		spawner: spawner,
		opts:    opts,
	}
}

// Write implements domain.RecordWriter. It never fails; sink errors are logged.
func (w *FanOutWriter) Write(ctx context.Context, record *domain.ObservabilityWriteRecord) {
	if record == nil {
		return
	}
	domain.FinalizeGuardrailIDs(record.Guardrail, record.Identity.InferenceID)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if w.opts.AsyncWrites {
		w.spawner.Spawn(ctx, "observability_write", func(ctx context.Context) {
			w.fanOut(ctx, record)
		})
		return
	}
	w.fanOut(ctx, record)
}

func (w *FanOutWriter) fanOut(ctx context.Context, record *domain.ObservabilityWriteRecord) {
	files := attachments(record)

	var wg sync.WaitGroup
	if w.objects != nil {
		for _, f := range files {
			wg.Go(func() { w.putFile(ctx, f) })
		}
	}
	if w.store != nil {
		wg.Go(func() { w.writeRows(ctx, record) })
	}
	if w.bus != nil {
		wg.Go(func() { w.publish(ctx, record) })
	}
	wg.Wait()
}

func (w *FanOutWriter) putFile(ctx context.Context, f domain.File) {
	data, err := f.Bytes()
	if err == nil {
		err = w.objects.Put(ctx, storageKey(f), data, f.MimeType)
		if errors.Is(err, domain.ErrObjectExists) {
			err = nil
		}
	}
	w.observe(ctx, "object_store", err)
}

func (w *FanOutWriter) writeRows(ctx context.Context, record *domain.ObservabilityWriteRecord) {
	table := record.Modality.TableName()
	if table == "" {
		table = domain.ModalityChat.TableName()
	}

	w.observe(ctx, table, w.store.Write(ctx, table, []domain.Row{inferenceRow(record)}))

	if rows := w.modelInferenceRows(record); len(rows) > 0 {
		w.observe(ctx, tableModelInference, w.store.Write(ctx, tableModelInference, rows))
	}
	if rows := guardrailRows(record.Guardrail); len(rows) > 0 {
		w.observe(ctx, tableGuardrailScan, w.store.Write(ctx, tableGuardrailScan, rows))
	}
}

func (w *FanOutWriter) publish(ctx context.Context, record *domain.ObservabilityWriteRecord) {
	event := &domain.InferenceEvent{
		Type:         domain.EventTypeFor(record.Status),
		InferenceID:  record.Identity.InferenceID,
		EpisodeID:    record.Identity.EpisodeID,
		FunctionName: record.FunctionName,
		VariantName:  record.VariantName,
		Modality:     record.Modality,
		ProjectID:    record.Metadata.ProjectID,
		EndpointID:   record.Metadata.EndpointID,
		ModelID:      record.Metadata.ModelID,
		APIKeyID:     record.Metadata.APIKeyID,
		UserID:       record.Metadata.UserID,
		ProcessingMs: record.ProcessingTime.Milliseconds(),
		StatusCode:   record.StatusCode,
		Error:        record.Error,
		Timestamp:    record.CreatedAt,
	}
	if record.Result != nil {
		usage := record.Result.Common().Usage
		event.InputTokens = usage.InputTokens
		event.OutputTokens = usage.OutputTokens
		event.Cost = w.cost(record, usage)
		for _, mi := range record.Result.Common().ModelInferences {
			event.Cached = event.Cached || mi.Cached
		}
	}

	w.observe(ctx, "event_bus", w.bus.Publish(ctx, event))
}

func (w *FanOutWriter) cost(record *domain.ObservabilityWriteRecord, usage domain.Usage) float64 {
	return domain.CostFor(record.Pricing, usage, w.opts.FallbackPricing)
}

func (w *FanOutWriter) observe(ctx context.Context, sink string, err error) {
	metrics.SinkWritesTotal.WithLabelValues(sink, metrics.Outcome(err)).Inc()
	if err != nil {
		observability.FromContext(ctx).Error("observability sink write failed",
			observability.String("sink", sink),
			observability.Error(err),
		)
	}
}

func inferenceRow(record *domain.ObservabilityWriteRecord) domain.Row {
	row := domain.Row{
		"id":                 record.Identity.InferenceID.String(),
		"episode_id":         record.Identity.EpisodeID.String(),
		"function_name":      record.FunctionName,
		"variant_name":       record.VariantName,
		"input":              marshal(sanitizeInput(record.Input)),
		"inference_params":   marshal(record.Params),
		"processing_time_ms": record.ProcessingTime.Milliseconds(),
		"tags":               marshal(record.Tags),
		"status":             string(record.Status),
		"error":              record.Error,
		"status_code":        record.StatusCode,
		"extra_body":         marshal(record.ExtraBody),
		"project_id":         record.Metadata.ProjectID,
		"endpoint_id":        record.Metadata.EndpointID,
		"model_id":           record.Metadata.ModelID,
		"api_key_id":         record.Metadata.APIKeyID,
		"user_id":            record.Metadata.UserID,
		"gateway_request":    record.GatewayRequest,
		"gateway_response":   record.GatewayResponse,
		"created_at":         timestamp(record.CreatedAt),
	}
	if record.Result != nil {
		result := domain.MapOutputFiles(record.Result, stored)
		row["output"] = marshal(domain.NewInferenceResponse(result).Output)
		row["finish_reason"] = string(result.Common().FinishReason)
	}
	return row
}

func (w *FanOutWriter) modelInferenceRows(record *domain.ObservabilityWriteRecord) []domain.Row {
	if record.Result == nil {
		return nil
	}

	summary := domain.SummarizeGuardrail(record.Guardrail)
	inferences := record.Result.Common().ModelInferences
	rows := make([]domain.Row, 0, len(inferences))
	for _, mi := range inferences {
		row := domain.Row{
			"id":                  mi.ID.String(),
			"inference_id":        record.Identity.InferenceID.String(),
			"model_name":          mi.ModelName,
			"model_provider_name": mi.ProviderName,
			"raw_request":         mi.RawRequest,
			"raw_response":        mi.RawResponse,
			"input_tokens":        mi.Usage.InputTokens,
			"output_tokens":       mi.Usage.OutputTokens,
			"cost":                w.cost(record, mi.Usage),
			"response_time_ms":    mi.ResponseTime.Milliseconds(),
			"cached":              mi.Cached,
			"finish_reason":       string(mi.FinishReason),
			"guardrail_scan":      summary,
			"created_at":          timestamp(record.CreatedAt),
		}
		if mi.TTFT != nil {
			row["ttft_ms"] = mi.TTFT.Milliseconds()
		}
		rows = append(rows, row)
	}
	return rows
}

func guardrailRows(records []domain.GuardrailScanRecord) []domain.Row {
	rows := make([]domain.Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, domain.Row{
			"id":               r.ID.String(),
			"inference_id":     r.InferenceID.String(),
			"profile_name":     r.ProfileName,
			"guard_type":       string(r.GuardType),
			"scan_mode":        string(r.Mode),
			"window_index":     r.WindowIndex,
			"flagged":          r.Flagged,
			"category_scores":  marshal(r.CategoryScores),
			"provider_results": marshal(r.ProviderResults),
			"latency_ms":       r.Latency.Milliseconds(),
			"created_at":       timestamp(r.CreatedAt),
		})
	}
	return rows
}

// attachments returns every inline file of the record, input and output.
func attachments(record *domain.ObservabilityWriteRecord) []domain.File {
	var files []domain.File
	add := func(f domain.File) {
		if f.Data != "" {
			files = append(files, f)
		}
	}

	if record.Input.File != nil {
		add(*record.Input.File)
	}
	for _, m := range record.Input.Messages {
		for _, f := range m.Files {
			add(f)
		}
	}
	if record.Result != nil {
		for _, f := range domain.OutputFiles(record.Result) {
			add(f)
		}
	}
	return files
}

// sanitizeInput replaces inline file data with the object store path.
func sanitizeInput(in domain.Input) domain.Input {
	if in.File != nil {
		f := stored(*in.File)
		in.File = &f
	}
	if len(in.Messages) > 0 {
		messages := make([]domain.Message, len(in.Messages))
		for i, m := range in.Messages {
			if len(m.Files) > 0 {
				files := make([]domain.File, len(m.Files))
				for j, f := range m.Files {
					files[j] = stored(f)
				}
				m.Files = files
			}
			messages[i] = m
		}
		in.Messages = messages
	}
	return in
}

func stored(f domain.File) domain.File {
	if f.Data == "" {
		return f
	}
	f.StoragePath = storageKey(f)
	f.Data = ""
	return f
}

// storageKey is content addressed so identical attachments share one object.
func storageKey(f domain.File) string {
	sum := sha256.Sum256([]byte(f.Data))
	return filePrefix + hex.EncodeToString(sum[:]) + extension(f.MimeType)
}

func extension(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
			return "." + sub
		}
		return ""
	}
	return exts[0]
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
