package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
	"github.com/Lllllllleong/signingdocumentflow/internal/services"
)

var (
	janitorInstance *services.JanitorFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by Cloud Scheduler through Pub/Sub.
	functions.CloudEvent("SweepStaging", sweepStaging)
}

// main is required by the Go Functions Framework.
func main() {}

func sweepStaging(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		janitorInstance, initErr = services.NewJanitor(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	// An empty payload is a plain scheduled sweep.
	var event models.SweepEvent
	if data := e.Data(); len(data) > 0 {
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Error("Failed to unmarshal event data", "error", err, "data", string(data))
			return fmt.Errorf("json.Unmarshal: %w", err)
		}
	}

	if _, err := janitorInstance.Sweep(ctx, event); err != nil {
		slog.Error("Staging sweep failed", "error", err)
		return err
	}
	return nil
}
