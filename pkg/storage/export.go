// Package storage exports the final results of flow runs to blob storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/apiflow/pkg/result"
)

// RunStatus is the outcome of an exported run
type RunStatus string

const (
	RunSucceeded RunStatus = "success"
	RunFailed    RunStatus = "failed"
)

// RunMeta describes an exported run
type RunMeta struct {
	Flow        string         `json:"flow"`
	RunID       string         `json:"run_id"`
	Status      RunStatus      `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	Error       string         `json:"error,omitempty"`
	ResultCount int            `json:"result_count"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// RunFile is the exported document: run metadata plus the final accumulator,
// keyed by endpoint identity
type RunFile struct {
	Meta    RunMeta         `json:"_meta"`
	Results result.Snapshot `json:"results"`
}

// RunFilePath returns the blob path of a run's result file
func RunFilePath(flowName, runID string) string {
	return fmt.Sprintf("results/%s/%s/results.json", flowName, runID)
}

// Exporter writes run results through a BlobStorageClient
type Exporter struct {
	blobClient BlobStorageClient
	logger     *zap.Logger
	now        func() time.Time
}

// NewExporter creates an exporter
func NewExporter(blobClient BlobStorageClient, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		blobClient: blobClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Export uploads the final accumulator of a run. runErr is the error the run
// returned, if any; a failed run is exported with whatever it accumulated.
func (e *Exporter) Export(ctx context.Context, flowName, runID string, params map[string]any, final result.Snapshot, runErr error) (string, error) {
	if e.blobClient == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if flowName == "" || runID == "" {
		return "", fmt.Errorf("flow name and run id are required")
	}

	file := RunFile{
		Meta: RunMeta{
			Flow:        flowName,
			RunID:       runID,
			Status:      RunSucceeded,
			Params:      params,
			ResultCount: len(final),
			FinishedAt:  e.now().UTC(),
		},
		Results: final,
	}
	if file.Results == nil {
		file.Results = result.Snapshot{}
	}
	if runErr != nil {
		file.Meta.Status = RunFailed
		file.Meta.Error = runErr.Error()
	}

	data, err := json.Marshal(file)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run file: %w", err)
	}

	blobPath := RunFilePath(flowName, runID)
	blobURL, err := e.blobClient.UploadResult(ctx, blobPath, data, map[string]string{
		"flow":         flowName,
		"run_id":       runID,
		"status":       string(file.Meta.Status),
		"result_count": strconv.Itoa(len(final)),
		"finished_at":  file.Meta.FinishedAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run file: %w", err)
	}

	e.logger.Debug("Exported run results",
		zap.String("flow", flowName),
		zap.String("run_id", runID),
		zap.String("status", string(file.Meta.Status)),
		zap.Int("results", len(final)))

	return blobURL, nil
}

// Load downloads and parses a run's result file
func (e *Exporter) Load(ctx context.Context, flowName, runID string) (*RunFile, error) {
	if e.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}

	data, err := e.blobClient.DownloadResult(ctx, RunFilePath(flowName, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download run file: %w", err)
	}

	var file RunFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}
	return &file, nil
}
