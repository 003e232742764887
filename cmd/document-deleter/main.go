package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/signingdocumentflow/internal/services"
)

var (
	deleterInstance *services.DeleterFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("DeleteDocument", handleDeleteDocument)
}

func main() {}

// handleDeleteDocument is the HTTP entry point of the cascading delete.
func handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		deleterInstance, initErr = services.NewDeleter(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Deleter initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	deleterInstance.HandleDelete(w, r)
}
