// Package chaterr is the error taxonomy shared by the storage, session and
// REST layers. Every rejection a client can observe is an *Error with a
// stable code; anything else is internal and is never shown to clients.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Authorization
	Validation
	Conflict
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Authorization:
		return "authorization"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	}
	return "internal"
}

// Stable codes surfaced to clients.
const (
	CodeGeneric            = "GENERIC_ERROR"
	CodeRequestInvalid     = "REQUEST_INVALID"
	CodeEventUnknown       = "EVENT_UNKNOWN"
	CodeRoomAccessDenied   = "ROOM_ACCESS_DENIED"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomAdminRequired  = "ROOM_ADMIN_REQUIRED"
	CodeRoomKindInvalid    = "ROOM_KIND_INVALID"
	CodeRoomNameInvalid    = "ROOM_NAME_INVALID"
	CodeMembersInvalid     = "MEMBERS_INVALID"
	CodeLastAdmin          = "LAST_ADMIN"
	CodeTargetIsAdmin      = "TARGET_IS_ADMIN"
	CodeSelfKick           = "SELF_KICK"
	CodeNotMember          = "NOT_MEMBER"
	CodeMessageNotFound    = "MESSAGE_NOT_FOUND"
	CodeMessageTypeInvalid = "MESSAGE_TYPE_INVALID"
	CodeMessageEmpty       = "MESSAGE_EMPTY"
	CodeMessageTooLarge    = "MESSAGE_TOO_LARGE"
	CodeMessageNotEditable = "MESSAGE_NOT_EDITABLE"
	CodeReplyCrossRoom     = "REPLY_CROSS_ROOM"
	CodeReadCrossRoom      = "READ_CROSS_ROOM"
	CodeUploadRequired     = "UPLOAD_TOKEN_REQUIRED"
	CodeUploadInvalid      = "UPLOAD_TOKEN_INVALID"
	CodeUploadExpired      = "UPLOAD_TOKEN_EXPIRED"
	CodeUploadUsed         = "UPLOAD_TOKEN_USED"
	CodeUploadUserMismatch = "UPLOAD_TOKEN_USER_MISMATCH"
	CodeUploadRoomMismatch = "UPLOAD_TOKEN_ROOM_MISMATCH"
	CodeUploadTypeMismatch = "UPLOAD_TOKEN_TYPE_MISMATCH"
	CodeSearchQueryInvalid = "SEARCH_QUERY_INVALID"
	CodeUnauthenticated    = "UNAUTHENTICATED"
)

// Error is a client-visible failure.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Is matches another *Error by code, so sentinel values below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

func Forbidden(code, reason string) *Error   { return New(Authorization, code, reason) }
func Invalid(code, reason string) *Error     { return New(Validation, code, reason) }
func Conflicting(code, reason string) *Error { return New(Conflict, code, reason) }
func Missing(code, reason string) *Error     { return New(NotFound, code, reason) }

var (
	ErrNotMember     = Forbidden(CodeRoomAccessDenied, "not a member of this room")
	ErrAdminRequired = Forbidden(CodeRoomAdminRequired, "room admin required")
	ErrRoomNotFound  = Missing(CodeRoomNotFound, "room not found")
	ErrMessageGone   = Missing(CodeMessageNotFound, "message not found")
	ErrLastAdmin     = Conflicting(CodeLastAdmin, "cannot demote the last admin")
	ErrSystemType    = Invalid(CodeMessageTypeInvalid, "system messages cannot be sent by clients")
	ErrReplyForeign  = Invalid(CodeReplyCrossRoom, "reply target is not in this room")
)

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf reports the kind of err. Errors outside the taxonomy are Internal.
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return Internal
}

// Public returns the code and message safe to show a client.
func Public(err error) (code, message string) {
	if ce, ok := As(err); ok {
		return ce.Code, ce.Reason
	}
	return CodeGeneric, "something went wrong"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Authorization:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
