package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExportTasksJSONLRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.Tasks().Create(ctx, TaskInput{Title: "exported A", Labels: []string{"auth"}})
	require.NoError(t, err)
	b, err := store.Tasks().Create(ctx, TaskInput{Title: "exported B"})
	require.NoError(t, err)
	require.NoError(t, store.Tasks().AddDependency(ctx, a.ID, b.ID, DepBlocks))

	path := filepath.Join(t.TempDir(), TasksJSONLName)
	require.NoError(t, store.ExportTasksJSONL(ctx, path))

	records := readLedger(t, path)
	require.Len(t, records, 2)

	byID := map[string]TaskRecord{}
	for _, rec := range records {
		byID[rec.ID] = rec
	}
	require.Equal(t, "exported A", byID[a.ID].Title)
	require.Equal(t, []string{"auth"}, byID[a.ID].Labels)
	require.Len(t, byID[a.ID].Dependencies, 1)
	require.Equal(t, b.ID, byID[a.ID].Dependencies[0].DependsOn)

	// Importing into a fresh project reproduces tasks and edges.
	other := newTestStore(t)
	applied, err := other.ImportTasksJSONL(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	got, err := other.Tasks().Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "exported A", got.Title)

	deps, err := other.Tasks().Dependencies(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
}

func TestImportLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "local title"})
	require.NoError(t, err)

	stale := TaskRecord{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Title:     "stale title",
		Status:    TaskOpen,
		Priority:  2,
		TaskType:  "task",
		CreatedAt: task.CreatedAt,
		UpdatedAt: "2000-01-01T00:00:00Z",
	}
	fresh := TaskRecord{
		ID:        task.ID,
		ProjectID: task.ProjectID,
		Title:     "fresh title",
		Status:    TaskOpen,
		Priority:  2,
		TaskType:  "task",
		CreatedAt: task.CreatedAt,
		UpdatedAt: time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano),
	}

	// The stale record loses to the DB row.
	path := writeLedger(t, stale)
	applied, err := store.ImportTasksJSONL(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "local title", got.Title)

	// The fresh record wins.
	path = writeLedger(t, fresh)
	applied, err = store.ImportTasksJSONL(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	got, err = store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh title", got.Title)
}

func TestImportPreservesRowsAbsentFromFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keep, err := store.Tasks().Create(ctx, TaskInput{Title: "keep me"})
	require.NoError(t, err)

	// Ledger only mentions an unrelated task.
	path := writeLedger(t, TaskRecord{
		ID:        "gt-ffffff",
		Title:     "from ledger",
		UpdatedAt: nowUTC(),
	})
	_, err = store.ImportTasksJSONL(ctx, path)
	require.NoError(t, err)

	got, err := store.Tasks().Get(ctx, keep.ID)
	require.NoError(t, err)
	require.Equal(t, "keep me", got.Title)
}

func TestImportSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	content := "not json\n" + `{"id":"gt-abcdef","title":"good","updated_at":"` + nowUTC() + `"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	applied, err := store.ImportTasksJSONL(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
}

func TestImportMissingFileIsNoop(t *testing.T) {
	store := newTestStore(t)
	applied, err := store.ImportTasksJSONL(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	require.Equal(t, 0, applied)
}

func TestExporterDebouncesFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newTestStore(t)

	exporter := NewExporter(store, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		exporter.Run(ctx)
		close(done)
	}()

	// A burst of writes coalesces into one export after the quiet window.
	for i := 0; i < 5; i++ {
		_, err := store.Tasks().Create(ctx, TaskInput{Title: "burst"})
		require.NoError(t, err)
	}

	ledger := filepath.Join(store.ProjectDir(), GobbyDirName, TasksJSONLName)
	require.Eventually(t, func() bool {
		_, err := os.Stat(ledger)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	records := readLedger(t, ledger)
	require.Len(t, records, 5)

	cancel()
	<-done
}

func writeLedger(t *testing.T, records ...TaskRecord) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := json.NewEncoder(f)
	for _, rec := range records {
		require.NoError(t, enc.Encode(rec))
	}
	require.NoError(t, f.Close())
	return path
}

func readLedger(t *testing.T, path string) []TaskRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var records []TaskRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec TaskRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}
