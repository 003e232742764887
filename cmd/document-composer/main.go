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
	composerInstance *services.ComposerFunction
	once             sync.Once
	initErr          error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Staging sessions live in this process, so every composer entry point
	// shares one instance.
	functions.HTTP("StageUpload", withComposer((*services.ComposerFunction).HandleStageUpload))
	functions.HTTP("StartStagedUpload", withComposer((*services.ComposerFunction).HandleStartStagedUpload))
	functions.HTTP("CompleteStagedUpload", withComposer((*services.ComposerFunction).HandleCompleteStagedUpload))
	functions.HTTP("MergeDocuments", withComposer((*services.ComposerFunction).HandleMerge))
	functions.HTTP("PromoteDocument", withComposer((*services.ComposerFunction).HandlePromote))
	functions.HTTP("RotateDocument", withComposer((*services.ComposerFunction).HandleRotate))
	functions.HTTP("SaveSignatureMapping", withComposer((*services.ComposerFunction).HandleSaveMapping))
	functions.HTTP("GetSignatureMapping", withComposer((*services.ComposerFunction).HandleViewMapping))
	functions.HTTP("FlattenDocument", withComposer((*services.ComposerFunction).HandleFlatten))
}

func main() {}

// withComposer lazily builds the shared composer and hands the request to h.
func withComposer(h func(*services.ComposerFunction, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			composerInstance, initErr = services.NewComposer(context.Background())
		})
		if initErr != nil {
			slog.Error("Critical: Composer initialization failed", "error", initErr)
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		h(composerInstance, w, r)
	}
}
