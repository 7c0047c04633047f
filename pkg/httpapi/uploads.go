package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/uploads"
)

type uploadResponse struct {
	Token     string    `json:"upload_token"`
	ExpiresAt time.Time `json:"expires_at"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
}

// Upload stores a multipart "file" and returns a single-use token that a
// send_message of the given type can consume.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	roomID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid room id")
		return
	}
	ctx := r.Context()
	userID := caller(r)
	if err := h.rooms.RequireMember(ctx, roomID, userID); err != nil {
		h.Error(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, uploads.MaxFileSize+1<<20)
	kind := model.MessageType(r.FormValue("type"))
	if kind == "" {
		kind = model.TypeFile
	}
	if !kind.NeedsUpload() {
		h.Error(w, r, chaterr.Invalid(chaterr.CodeMessageTypeInvalid, "type must be image or file"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, r, "file is required")
		return
	}
	defer file.Close()

	stored, size, err := h.files.Save(file, header.Filename)
	if errors.Is(err, uploads.ErrTooLarge) {
		h.JSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"code": chaterr.CodeRequestInvalid, "message": err.Error(),
		})
		return
	}
	if err != nil {
		h.Error(w, r, err)
		return
	}

	token, expiresAt, err := h.uploads.Issue(ctx, uploads.Ticket{
		UserID:   userID,
		RoomID:   roomID,
		FilePath: stored,
		FileName: header.Filename,
		Type:     kind,
		Size:     size,
	})
	if err != nil {
		_ = h.files.Remove(stored)
		h.Error(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, uploadResponse{Token: token, ExpiresAt: expiresAt, FileName: header.Filename, Size: size})
}

func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	path, ok := h.files.Path(chi.URLParam(r, "name"))
	if !ok {
		h.Error(w, r, chaterr.Missing(chaterr.CodeMessageNotFound, "file not found"))
		return
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Disposition", "attachment")
	http.ServeFile(w, r, path)
}
