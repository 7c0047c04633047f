package httpapi

import (
	"net/http"
	"time"

	"github.com/mahaj/roomchat/pkg/messages"
	"github.com/mahaj/roomchat/pkg/model"
)

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid message id")
		return
	}
	var req struct {
		Content   string `json:"content"`
		Encrypted *bool  `json:"encrypted"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	encrypted := req.Encrypted == nil || *req.Encrypted

	msg, err := h.messages.Edit(r.Context(), messageID, caller(r), req.Content, encrypted)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	editedAt := time.Now()
	if msg.EditedAt != nil {
		editedAt = *msg.EditedAt
	}
	h.toRoom(r.Context(), msg.RoomID, model.EventMessageEdited, model.MessageEdited{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		Content:   msg.Content,
		Encrypted: msg.Encrypted,
		EditedAt:  editedAt,
	})
	h.JSON(w, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID, ok := idParam(r, "id")
	if !ok {
		h.badRequest(w, r, "invalid message id")
		return
	}
	msg, err := h.messages.Redact(r.Context(), messageID, caller(r))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if msg.FilePath != "" {
		if err := h.files.Remove(msg.FilePath); err != nil {
			h.log.Warn().Err(err).Str("file", msg.FilePath).Msg("remove redacted upload")
		}
	}
	h.toRoom(r.Context(), msg.RoomID, model.EventMessageDeleted, model.MessageDeleted{RoomID: msg.RoomID, MessageID: msg.ID})
	h.JSON(w, http.StatusOK, map[string]any{"message_id": msg.ID, "deleted": true})
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.messages.Search(r.Context(), caller(r), r.URL.Query().Get("q"))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if results == nil {
		results = []messages.SearchResult{}
	}
	h.JSON(w, http.StatusOK, results)
}
