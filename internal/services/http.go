package services

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Lllllllleong/signingdocumentflow/internal/apperr"
	"github.com/Lllllllleong/signingdocumentflow/internal/models"
)

// HandleStageUpload stages the raw request body. The session id and file
// name come from the sessionId and fileName query parameters.
func (c *ComposerFunction) HandleStageUpload(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	q := r.URL.Query()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.engine.MaxBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, &apperr.SizeLimitError{Total: tooLarge.Limit + 1, Limit: tooLarge.Limit})
			return
		}
		writeError(w, apperr.Validationf("could not read body: %v", err))
		return
	}
	createDocument, _ := strconv.ParseBool(q.Get("createDocument"))
	res, err := c.Stage(r.Context(), StageInput{
		SessionID:      q.Get("sessionId"),
		FileName:       q.Get("fileName"),
		ContentType:    r.Header.Get("Content-Type"),
		Data:           body,
		CreateDocument: createDocument,
	})
	respond(w, res, err)
}

func (c *ComposerFunction) HandleStartStagedUpload(w http.ResponseWriter, r *http.Request) {
	var req models.StartStagedUploadRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.StartStaged(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandleCompleteStagedUpload(w http.ResponseWriter, r *http.Request) {
	var req models.CompleteStagedUploadRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.CompleteStaged(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandleMerge(w http.ResponseWriter, r *http.Request) {
	var req models.MergeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.Merge(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var req models.PromoteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.Promote(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req models.RotateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.Rotate(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandleSaveMapping(w http.ResponseWriter, r *http.Request) {
	var req models.SaveMappingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.SaveMapping(r.Context(), req)
	respond(w, res, err)
}

func (c *ComposerFunction) HandleViewMapping(w http.ResponseWriter, r *http.Request) {
	var req models.ViewMappingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := c.ViewMapping(r.Context(), req)
	respond(w, res, err)
}

// HandleFlatten answers with the flattened PDF itself.
func (c *ComposerFunction) HandleFlatten(w http.ResponseWriter, r *http.Request) {
	var req models.FlattenRequest
	if !decode(w, r, &req) {
		return
	}
	pdf, fileName, err := c.Flatten(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(fileName))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	if _, err := w.Write(pdf); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", req.DocumentID)
	}
}

func (f *DeleterFunction) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
		return
	}
	var req models.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		writeError(w, apperr.Validationf("could not parse JSON: %v", err))
		return
	}
	res, err := f.Process(r.Context(), req)
	respond(w, res, err)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, models.ErrorResponse{Error: "method not allowed"})
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if !requirePost(w, r) {
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		writeError(w, apperr.Validationf("could not parse JSON: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, res any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeError maps err onto its status and a {success:false, error} body.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "status", status, "error", err)
	} else {
		slog.Warn("Request rejected", "status", status, "error", err)
	}
	writeJSON(w, status, models.ErrorResponse{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
