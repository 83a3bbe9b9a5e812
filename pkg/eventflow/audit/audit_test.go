package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventflow/pkg/eventflow/audit"
)

func TestNewRecord(t *testing.T) {
	rec := audit.NewRecord(audit.KindPublished, "evt-1", "publish")

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, audit.KindPublished, rec.Kind)
	assert.Equal(t, "evt-1", rec.Subject)
	assert.Equal(t, "publish", rec.Action)
}

func TestRecordWithDoesNotAlias(t *testing.T) {
	base := audit.NewRecord(audit.KindSaga, "saga-1", "execute").With("step", "a")
	derived := base.With("attempt", "2")

	assert.Equal(t, map[string]string{"step": "a"}, base.Attributes)
	assert.Equal(t, map[string]string{"step": "a", "attempt": "2"}, derived.Attributes)
}

func TestRecordWithError(t *testing.T) {
	rec := audit.NewRecord(audit.KindSaga, "s", "error").WithError(errors.New("boom"))
	assert.Equal(t, "boom", rec.Error)

	rec = audit.NewRecord(audit.KindSaga, "s", "execute").WithError(nil)
	assert.Empty(t, rec.Error)
}

func TestMemorySink(t *testing.T) {
	sink := audit.NewMemorySink()
	ctx := context.Background()

	sink.Record(ctx, audit.NewRecord(audit.KindPublished, "evt-1", "publish"))
	sink.Record(ctx, audit.NewRecord(audit.KindDeadLetter, "evt-1", "dead_letter"))
	sink.Record(ctx, audit.NewRecord(audit.KindPublished, "evt-2", "publish"))

	assert.Len(t, sink.Records(), 3)
	assert.Len(t, sink.ByKind(audit.KindPublished), 2)
	assert.Len(t, sink.BySubject("evt-1"), 2)
}

func TestMultiSink(t *testing.T) {
	a, b := audit.NewMemorySink(), audit.NewMemorySink()
	multi := audit.MultiSink{a, nil, b, audit.NopSink{}}

	multi.Record(context.Background(), audit.NewRecord(audit.KindSaga, "s", "start"))

	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := audit.NewLogSink(logger)

	rec := audit.NewRecord(audit.KindSaga, "saga-9", "compensate").With("step", "reserve")
	rec.Classification = "SECRET"
	sink.Record(context.Background(), rec.WithError(errors.New("refund failed")))

	out := buf.String()
	assert.Contains(t, out, "msg=audit")
	assert.Contains(t, out, "subject=saga-9")
	assert.Contains(t, out, "action=compensate")
	assert.Contains(t, out, "classification=SECRET")
	assert.Contains(t, out, "attributes.step=reserve")
	assert.Contains(t, out, `error="refund failed"`)
}

func TestSQLiteSink_RoundTrip(t *testing.T) {
	sink, err := audit.NewSQLiteSink(":memory:")
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	sink.Record(ctx, audit.NewRecord(audit.KindSaga, "saga-1", "start"))
	sink.Record(ctx, audit.NewRecord(audit.KindSaga, "saga-1", "execute").With("step", "a"))
	sink.Record(ctx, audit.NewRecord(audit.KindSaga, "saga-2", "start"))

	require.NoError(t, sink.Flush(ctx))

	records, err := sink.Query(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "start", records[0].Action)
	assert.Equal(t, "execute", records[1].Action)
	assert.Equal(t, "a", records[1].Attributes["step"])
	assert.Nil(t, records[0].Attributes)
}

func TestSQLiteSink_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	first, err := audit.NewSQLiteSink(dbPath)
	require.NoError(t, err)
	first.Record(ctx, audit.NewRecord(audit.KindPublished, "evt-7", "publish"))
	require.NoError(t, first.Close())

	second, err := audit.NewSQLiteSink(dbPath)
	require.NoError(t, err)
	defer second.Close()

	records, err := second.Query(ctx, "evt-7")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.KindPublished, records[0].Kind)
}

func TestSQLiteSink_InvalidPath(t *testing.T) {
	_, err := audit.NewSQLiteSink("/nonexistent/path/audit.db")
	assert.Error(t, err)
}

func TestSQLiteSink_ClosedSink(t *testing.T) {
	sink, err := audit.NewSQLiteSink(":memory:")
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close())

	sink.Record(context.Background(), audit.NewRecord(audit.KindSaga, "s", "start"))
	assert.Equal(t, int64(1), sink.Dropped())

	_, err = sink.Query(context.Background(), "s")
	assert.ErrorIs(t, err, audit.ErrSinkClosed)
	assert.ErrorIs(t, sink.Flush(context.Background()), audit.ErrSinkClosed)
}

func TestSQLiteSink_Concurrent(t *testing.T) {
	sink, err := audit.NewSQLiteSink(":memory:", audit.WithQueueSize(4096))
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sink.Record(ctx, audit.NewRecord(audit.KindPublished, "shared", "publish"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Flush(ctx))

	records, err := sink.Query(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, records, 200)
	assert.Zero(t, sink.Dropped())
}
