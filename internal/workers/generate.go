package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fairdata/download-service/internal/database"
	"github.com/fairdata/download-service/internal/generator"
	"github.com/fairdata/download-service/internal/taskqueue"
)

// Builder builds the package of a task
type Builder interface {
	Generate(ctx context.Context, req generator.Request) (*database.Package, error)
}

// ErrInvalidPayload marks jobs whose payload can never be processed
var ErrInvalidPayload = errors.New("invalid job payload")

// GenerateResult is stored as the result of a finished generate job
type GenerateResult struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum"`
}

// NewGenerateHandler decodes a generate payload and builds its package
func NewGenerateHandler(builder Builder) Handler {
	return func(ctx context.Context, payload []byte) (any, error) {
		var p taskqueue.GeneratePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal generate payload: %v", ErrInvalidPayload, err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("%w: generate payload has no task id", ErrInvalidPayload)
		}

		pkg, err := builder.Generate(ctx, generator.Request{
			TaskID:    p.TaskID,
			DatasetID: p.DatasetID,
			ProjectID: p.ProjectID,
		})
		if err != nil {
			return nil, err
		}
		return GenerateResult{
			TaskID:   p.TaskID,
			Filename: pkg.Filename,
			Size:     pkg.SizeBytes,
			Checksum: pkg.Checksum,
		}, nil
	}
}
