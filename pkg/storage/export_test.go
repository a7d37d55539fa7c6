package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wehubfusion/apiflow/pkg/result"
)

type memoryBlobClient struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	metadata  map[string]map[string]string
	uploadErr error
}

func newMemoryBlobClient() *memoryBlobClient {
	return &memoryBlobClient{
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *memoryBlobClient) UploadResult(_ context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobPath] = append([]byte(nil), data...)
	m.metadata[blobPath] = metadata
	return "mem://" + blobPath, nil
}

func (m *memoryBlobClient) DownloadResult(_ context.Context, reference string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[reference]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func TestRunFilePath(t *testing.T) {
	assert.Equal(t, "results/xkcd/r-1/results.json", RunFilePath("xkcd", "r-1"))
}

func TestExporter_ExportAndLoad(t *testing.T) {
	blobs := newMemoryBlobClient()
	exp := NewExporter(blobs, zaptest.NewLogger(t))
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	exp.now = func() time.Time { return finished }

	final := result.Snapshot{
		"https://xkcd.com/{id}/info.0.json": {
			Input:  map[string]any{"id": "1"},
			Output: result.Output{"title": []any{"Barrel"}},
		},
	}

	url, err := exp.Export(context.Background(), "xkcd", "r-1", map[string]any{"id": "1"}, final, nil)
	require.NoError(t, err)
	assert.Equal(t, "mem://results/xkcd/r-1/results.json", url)

	meta := blobs.metadata["results/xkcd/r-1/results.json"]
	assert.Equal(t, "success", meta["status"])
	assert.Equal(t, "1", meta["result_count"])
	assert.Equal(t, "2026-01-02T03:04:05Z", meta["finished_at"])

	file, err := exp.Load(context.Background(), "xkcd", "r-1")
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, file.Meta.Status)
	assert.Equal(t, "r-1", file.Meta.RunID)
	assert.Equal(t, 1, file.Meta.ResultCount)
	assert.True(t, finished.Equal(file.Meta.FinishedAt))
	assert.Equal(t, []any{"Barrel"}, file.Results["https://xkcd.com/{id}/info.0.json"].Output["title"])
}

func TestExporter_FailedRun(t *testing.T) {
	blobs := newMemoryBlobClient()
	exp := NewExporter(blobs, nil)

	_, err := exp.Export(context.Background(), "xkcd", "r-2", nil, nil, errors.New("step 0: boom"))
	require.NoError(t, err)

	file, err := exp.Load(context.Background(), "xkcd", "r-2")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, file.Meta.Status)
	assert.Equal(t, "step 0: boom", file.Meta.Error)
	assert.NotNil(t, file.Results)
	assert.Empty(t, file.Results)
}

func TestExporter_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := NewExporter(nil, nil).Export(ctx, "f", "r", nil, nil, nil)
	assert.ErrorContains(t, err, "blob client not initialized")

	_, err = NewExporter(nil, nil).Load(ctx, "f", "r")
	assert.ErrorContains(t, err, "blob client not initialized")

	blobs := newMemoryBlobClient()
	_, err = NewExporter(blobs, nil).Export(ctx, "", "r", nil, nil, nil)
	assert.ErrorContains(t, err, "flow name and run id are required")

	blobs.uploadErr = errors.New("unavailable")
	_, err = NewExporter(blobs, nil).Export(ctx, "f", "r", nil, nil, nil)
	assert.ErrorContains(t, err, "unavailable")

	_, err = NewExporter(newMemoryBlobClient(), nil).Load(ctx, "f", "missing")
	assert.ErrorContains(t, err, "failed to download run file")

	corrupt := newMemoryBlobClient()
	corrupt.blobs[RunFilePath("f", "r")] = []byte("{")
	_, err = NewExporter(corrupt, nil).Load(ctx, "f", "r")
	assert.ErrorContains(t, err, "failed to parse run file")
}
