package transport

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/stepper/internal/workflow"
	"github.com/pitabwire/stepper/model"
)

// uploadFormField is the multipart field carrying the document file.
const uploadFormField = "file"

// multipartOverhead allows for boundaries and part headers on top of the
// file itself.
const multipartOverhead = 64 << 10

// handleUploadDocument streams the "file" part of a multipart body to the
// engine without buffering it in memory.
func handleUploadDocument(engine *workflow.Engine, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		if maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
		}

		mr, err := r.MultipartReader()
		if err != nil {
			WriteError(w, model.NewBadRequestError("expected a multipart/form-data body"))
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				WriteError(w, model.NewBadRequestError(`multipart body has no "file" part`))
				return
			}
			if err != nil {
				WriteError(w, model.NewBadRequestError("malformed multipart body"))
				return
			}
			if part.FormName() != uploadFormField {
				_ = part.Close()
				continue
			}

			contentType := part.Header.Get("Content-Type")
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			view, err := engine.UploadDocument(r.Context(), rctx, chi.URLParam(r, "instanceId"), workflow.DocumentUpload{
				SlotID:      chi.URLParam(r, "slotId"),
				Filename:    part.FileName(),
				ContentType: contentType,
				Body:        part,
			})
			_ = part.Close()
			if err != nil {
				WriteError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, view)
			return
		}
	}
}

func handleVerifyDocument(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Verified *bool  `json:"verified"`
			Note     string `json:"note"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Verified == nil {
			WriteError(w, model.NewBadRequestError("verified is required"))
			return
		}

		view, err := engine.VerifyDocument(r.Context(), rctx, chi.URLParam(r, "instanceId"),
			chi.URLParam(r, "slotId"), *body.Verified, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleResetDocument(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		view, err := engine.ResetDocument(r.Context(), rctx, chi.URLParam(r, "instanceId"), chi.URLParam(r, "slotId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
