package saga_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
	flowerrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/saga"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, cfg saga.Config) (*saga.Orchestrator, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Audit == nil {
		cfg.Audit = sink
	}
	orch := saga.NewOrchestrator(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return orch, sink
}

// waitTerminal polls until the execution leaves the running states.
func waitTerminal(t *testing.T, orch *saga.Orchestrator, id string) *saga.Execution {
	t.Helper()
	var exec *saga.Execution
	require.Eventually(t, func() bool {
		e, err := orch.Status(id)
		if err != nil {
			return false
		}
		exec = e
		return e.Status.Terminal() && !e.EndTime.IsZero()
	}, 5*time.Second, 5*time.Millisecond)
	return exec
}

func ok(result any) saga.ExecuteFunc {
	return func(context.Context, *saga.Context) (any, error) { return result, nil }
}

func fail(msg string) saga.ExecuteFunc {
	return func(context.Context, *saga.Context) (any, error) { return nil, errors.New(msg) }
}

func noopCompensate(context.Context, *saga.Context) error { return nil }

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		def     saga.Definition
		wantErr string
	}{
		{
			name: "valid",
			def:  saga.Definition{Name: "order", Steps: []saga.Step{{Name: "reserve", Execute: ok(nil)}}},
		},
		{
			name:    "empty name",
			def:     saga.Definition{Steps: []saga.Step{{Name: "reserve", Execute: ok(nil)}}},
			wantErr: "saga name is required",
		},
		{
			name:    "no steps",
			def:     saga.Definition{Name: "order"},
			wantErr: "at least one step",
		},
		{
			name:    "step without name",
			def:     saga.Definition{Name: "order", Steps: []saga.Step{{Execute: ok(nil)}}},
			wantErr: "step name is required",
		},
		{
			name: "duplicate step",
			def: saga.Definition{Name: "order", Steps: []saga.Step{
				{Name: "reserve", Execute: ok(nil)},
				{Name: "reserve", Execute: ok(nil)},
			}},
			wantErr: `duplicate step "reserve"`,
		},
		{
			name:    "step without execute",
			def:     saga.Definition{Name: "order", Steps: []saga.Step{{Name: "reserve"}}},
			wantErr: "no execute action",
		},
		{
			name:    "negative step retries",
			def:     saga.Definition{Name: "order", Steps: []saga.Step{{Name: "reserve", Execute: ok(nil), Retries: saga.Retries(-1)}}},
			wantErr: "negative retries",
		},
		{
			name: "unknown backoff",
			def: saga.Definition{
				Name:        "order",
				Steps:       []saga.Step{{Name: "reserve", Execute: ok(nil)}},
				RetryPolicy: saga.RetryPolicy{BackoffStrategy: "random"},
			},
			wantErr: "unknown strategy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, saga.ErrInvalidDefinition)
			assert.True(t, flowerrors.IsValidation(err))
		})
	}
}

func TestDefinition_StepNames(t *testing.T) {
	def := saga.Definition{Name: "x", Steps: []saga.Step{{Name: "a"}, {Name: "b"}}}
	assert.Equal(t, []string{"a", "b"}, def.StepNames())
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, saga.StatusRunning.Terminal())
	assert.False(t, saga.StatusCompensating.Terminal())
	assert.True(t, saga.StatusCompleted.Terminal())
	assert.True(t, saga.StatusCompensated.Terminal())
	assert.True(t, saga.StatusTimeout.Terminal())
}

func TestContext_DataAndResults(t *testing.T) {
	orch, _ := newTestOrchestrator(t, saga.Config{})

	var seen *saga.Context
	require.NoError(t, orch.Register(saga.Definition{
		Name: "ctx",
		Steps: []saga.Step{
			{Name: "first", Execute: func(_ context.Context, sc *saga.Context) (any, error) {
				v, _ := sc.Get("order_id")
				sc.Set("touched", true)
				return v.(string) + "-reserved", nil
			}},
			{Name: "second", Execute: func(_ context.Context, sc *saga.Context) (any, error) {
				seen = sc
				prev, ok := sc.Result("first")
				if !ok {
					return nil, errors.New("missing first result")
				}
				return prev.(string) + "-charged", nil
			}},
		},
	}))

	input := map[string]any{"order_id": "o-1"}
	id, err := orch.Start(context.Background(), "ctx", input,
		saga.WithMetadata(map[string]string{"tenant": "acme"}))
	require.NoError(t, err)
	input["order_id"] = "mutated"

	exec := waitTerminal(t, orch, id)
	require.Equal(t, saga.StatusCompleted, exec.Status)

	require.NotNil(t, exec.Context)
	assert.Equal(t, id, exec.Context.SagaID)
	assert.Equal(t, map[string]any{"first": "o-1-reserved", "second": "o-1-reserved-charged"}, exec.Context.Results())
	touched, _ := exec.Context.Get("touched")
	assert.Equal(t, true, touched)
	orderID, _ := exec.Context.Get("order_id")
	assert.Equal(t, "o-1", orderID, "the caller's map is copied at start")
	assert.Equal(t, "acme", exec.Context.Metadata("tenant"))
	assert.Equal(t, map[string]string{"tenant": "acme"}, exec.Context.AllMetadata())

	// snapshots do not alias the live context
	exec.Context.Set("touched", false)
	require.NotNil(t, seen)
	live, _ := seen.Get("touched")
	assert.Equal(t, true, live)
}
