package services

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/signingdocumentflow/internal/deletion"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
)

// DeleterFunction serves cascading document deletion.
type DeleterFunction struct {
	orchestrator *deletion.Orchestrator
}

func NewDeleter(ctx context.Context) (*DeleterFunction, error) {
	config, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	backends, err := NewGCPBackends(ctx, config)
	if err != nil {
		return nil, err
	}
	slog.Info("Document deleter initialized.", "bucket", config.Bucket)
	return NewDeleterWith(config, backends), nil
}

func NewDeleterWith(config Config, b Backends) *DeleterFunction {
	config = config.withDefaults()
	return &DeleterFunction{orchestrator: deletion.New(b.Records, b.Blobs, config.Layout())}
}

func (f *DeleterFunction) Process(ctx context.Context, req models.DeleteRequest) (*models.DeleteResponse, error) {
	report, err := f.orchestrator.DeleteDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	warnings := report.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &models.DeleteResponse{Success: true, Warnings: warnings}, nil
}
