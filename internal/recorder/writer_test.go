package recorder_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/ember/internal/domain"
	"github.com/davidbz/ember/internal/recorder"
)

type recordingStore struct {
	mu     sync.Mutex
	tables map[string][]domain.Row
	fail   map[string]error
	block  chan struct{}
}

func newRecordingStore() *recordingStore {
	return &recordingStore{tables: map[string][]domain.Row{}, fail: map[string]error{}}
}

func (s *recordingStore) Write(_ context.Context, table string, rows []domain.Row) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[table]; err != nil {
		return err
	}
	s.tables[table] = append(s.tables[table], rows...)
	return nil
}

func (s *recordingStore) Rows(table string) []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Row(nil), s.tables[table]...)
}

type recordingBus struct {
	mu     sync.Mutex
	events []*domain.InferenceEvent
	err    error
}

func (b *recordingBus) Publish(_ context.Context, event *domain.InferenceEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Events() []*domain.InferenceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.InferenceEvent(nil), b.events...)
}

type recordingObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newRecordingObjects() *recordingObjects {
	return &recordingObjects{objects: map[string][]byte{}}
}

func (o *recordingObjects) Put(_ context.Context, key string, data []byte, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.objects[key]; ok {
		return domain.ErrObjectExists
	}
	o.objects[key] = data
	return nil
}

func (o *recordingObjects) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	return keys
}

func chatRecord() *domain.ObservabilityWriteRecord {
	identity := domain.InferenceIdentity{InferenceID: uuid.New(), EpisodeID: uuid.New()}
	result := &domain.ChatResult{
		ResultBase: domain.ResultBase{
			InferenceID: identity.InferenceID,
			EpisodeID:   identity.EpisodeID,
			VariantName: "v1",
			Usage:       domain.Usage{InputTokens: 10, OutputTokens: 20},
			ModelInferences: []domain.ModelInferenceRecord{{
				ID:           uuid.New(),
				InferenceID:  identity.InferenceID,
				ModelName:    "gpt",
				ProviderName: "openai",
				Usage:        domain.Usage{InputTokens: 10, OutputTokens: 20},
			}},
		},
		Content: "hello",
	}

	return &domain.ObservabilityWriteRecord{
		Identity:     identity,
		FunctionName: "chat",
		VariantName:  "v1",
		Modality:     domain.ModalityChat,
		Input:        domain.Input{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}},
		Result:       result,
		Status:       domain.StatusSucceeded,
		StatusCode:   200,
		Guardrail: []domain.GuardrailScanRecord{{
			ID:             uuid.New(),
			GuardType:      domain.GuardTypeInput,
			Mode:           domain.ScanModeSingle,
			CategoryScores: map[string]float64{"violence": 0.2},
		}},
	}
}

var fallback = domain.PricingConfig{PerTokens: 1, InputCost: 0.000001, OutputCost: 0.000002}

func TestFanOutWriter_Write(t *testing.T) {
	ctx := context.Background()

	t.Run("should write every sink inline when async writes are off", func(t *testing.T) {
		store := newRecordingStore()
		bus := &recordingBus{}
		writer := recorder.NewFanOutWriter(store, bus, newRecordingObjects(), nil, recorder.Options{FallbackPricing: fallback})
		record := chatRecord()

		writer.Write(ctx, record)

		rows := store.Rows("chat_inference")
		require.Len(t, rows, 1)
		require.Equal(t, record.Identity.InferenceID.String(), rows[0]["id"])
		require.Equal(t, "succeeded", rows[0]["status"])

		modelRows := store.Rows("model_inference")
		require.Len(t, modelRows, 1)
		require.Contains(t, modelRows[0]["guardrail_scan"], `"violence":0.2`)
		require.InDelta(t, 0.00005, modelRows[0]["cost"], 1e-12)

		scanRows := store.Rows("guardrail_scan")
		require.Len(t, scanRows, 1)
		require.Equal(t, record.Identity.InferenceID.String(), scanRows[0]["inference_id"])

		events := bus.Events()
		require.Len(t, events, 1)
		require.Equal(t, domain.EventInferenceSucceeded, events[0].Type)
		require.Equal(t, 30, events[0].InputTokens+events[0].OutputTokens)
	})

	t.Run("should use configured pricing over the fallback", func(t *testing.T) {
		bus := &recordingBus{}
		writer := recorder.NewFanOutWriter(nil, bus, nil, nil, recorder.Options{FallbackPricing: fallback})
		record := chatRecord()
		record.Pricing = &domain.PricingConfig{PerTokens: 1000, InputCost: 0.01, OutputCost: 0.03}

		writer.Write(ctx, record)

		require.InDelta(t, 0.0007, bus.Events()[0].Cost, 1e-12)
	})

	t.Run("should route each modality to its own table", func(t *testing.T) {
		store := newRecordingStore()
		writer := recorder.NewFanOutWriter(store, nil, nil, nil, recorder.Options{})
		record := chatRecord()
		record.Modality = domain.ModalityEmbedding
		record.Result = &domain.EmbeddingResult{
			ResultBase: domain.ResultBase{InferenceID: record.Identity.InferenceID},
			Embeddings: [][]float64{{0.1, 0.2}},
		}

		writer.Write(ctx, record)

		require.Len(t, store.Rows("embedding_inference"), 1)
		require.Empty(t, store.Rows("chat_inference"))
	})

	t.Run("should keep other sinks running when one fails", func(t *testing.T) {
		store := newRecordingStore()
		store.fail["chat_inference"] = errors.New("disk full")
		bus := &recordingBus{}
		writer := recorder.NewFanOutWriter(store, bus, nil, nil, recorder.Options{})

		writer.Write(ctx, chatRecord())

		require.Len(t, bus.Events(), 1)
		require.Len(t, store.Rows("model_inference"), 1)
	})

	t.Run("should store attachments once and reference them by path", func(t *testing.T) {
		store := newRecordingStore()
		objects := newRecordingObjects()
		writer := recorder.NewFanOutWriter(store, nil, objects, nil, recorder.Options{})
		data := base64.StdEncoding.EncodeToString([]byte("png bytes"))
		image := domain.File{MimeType: "image/png", Data: data}

		record := chatRecord()
		record.Input.Messages[0].Files = []domain.File{image}
		writer.Write(ctx, record)

		again := chatRecord()
		again.Input.Messages[0].Files = []domain.File{image}
		writer.Write(ctx, again)

		keys := objects.Keys()
		require.Len(t, keys, 1)
		require.True(t, strings.HasPrefix(keys[0], "observability/files/"))

		rows := store.Rows("chat_inference")
		require.Len(t, rows, 2)
		input, ok := rows[1]["input"].(string)
		require.True(t, ok)
		require.Contains(t, input, keys[0])
		require.NotContains(t, input, data)
	})

	t.Run("should publish a blocked event for a blocked record", func(t *testing.T) {
		bus := &recordingBus{}
		writer := recorder.NewFanOutWriter(nil, bus, nil, nil, recorder.Options{})
		record := chatRecord()
		record.Status = domain.StatusBlocked
		record.StatusCode = 403

		writer.Write(ctx, record)

		require.Equal(t, domain.EventInferenceBlocked, bus.Events()[0].Type)
	})

	t.Run("should not block the caller when async writes are on", func(t *testing.T) {
		store := newRecordingStore()
		store.block = make(chan struct{})
		spawner := recorder.NewGoSpawner()
		writer := recorder.NewFanOutWriter(store, nil, nil, spawner, recorder.Options{AsyncWrites: true})

		returned := make(chan struct{})
		go func() {
			writer.Write(ctx, chatRecord())
			close(returned)
		}()

		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatal("write blocked the caller")
		}

		close(store.block)
		require.Eventually(t, func() bool {
			return len(store.Rows("chat_inference")) == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should survive request cancellation when detached", func(t *testing.T) {
		store := newRecordingStore()
		writer := recorder.NewFanOutWriter(store, nil, nil, recorder.NewGoSpawner(), recorder.Options{AsyncWrites: true})
		reqCtx, cancel := context.WithCancel(ctx)

		writer.Write(reqCtx, chatRecord())
		cancel()

		require.Eventually(t, func() bool {
			return len(store.Rows("chat_inference")) == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestGoSpawner(t *testing.T) {
	t.Run("should recover from a panicking task", func(t *testing.T) {
		spawner := recorder.NewGoSpawner()
		spawner.Spawn(context.Background(), "boom", func(context.Context) { panic("boom") })

		require.NoError(t, spawner.Wait(context.Background()))
	})

	t.Run("should give up waiting when the context ends", func(t *testing.T) {
		spawner := recorder.NewGoSpawner()
		release := make(chan struct{})
		spawner.Spawn(context.Background(), "slow", func(context.Context) { <-release })

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, spawner.Wait(ctx), context.DeadlineExceeded)
		close(release)
	})
}
