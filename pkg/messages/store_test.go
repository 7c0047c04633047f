package messages

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/roomchat/pkg/chaterr"
	"github.com/mahaj/roomchat/pkg/db"
	"github.com/mahaj/roomchat/pkg/db/dbtest"
	"github.com/mahaj/roomchat/pkg/keys"
	"github.com/mahaj/roomchat/pkg/model"
	"github.com/mahaj/roomchat/pkg/rooms"
	"github.com/mahaj/roomchat/pkg/uploads"
)

type fixture struct {
	db      *db.DB
	rooms   *rooms.Store
	uploads *uploads.Store
	log     *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dbtest.Open(t)
	km, err := keys.NewManager([]byte(strings.Repeat("m", keys.KeySize)))
	require.NoError(t, err)
	up := uploads.NewStore(d, time.Minute)
	return &fixture{db: d, rooms: rooms.NewStore(d, km), uploads: up, log: NewStore(d, up)}
}

func (f *fixture) group(t *testing.T, creator int64, members ...int64) int64 {
	t.Helper()
	room, _, err := f.rooms.Create(context.Background(), rooms.CreateParams{
		Name: "g", Kind: model.KindGroup, CreatorID: creator, MemberIDs: members,
	})
	require.NoError(t, err)
	return room.ID
}

func (f *fixture) count(t *testing.T, roomID int64) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(context.Background(), `SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n))
	return n
}

func text(roomID, sender int64, content string) AppendParams {
	return AppendParams{RoomID: roomID, SenderID: sender, Content: content, Encrypted: true, Type: model.TypeText}
}

func TestAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)

	msg, created, err := f.log.Append(ctx, text(roomID, 1, "ciphertext"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Positive(t, msg.ID)
	assert.Equal(t, roomID, msg.RoomID)
	assert.Equal(t, int64(1), msg.SenderID)
	assert.True(t, msg.Encrypted)
	assert.Equal(t, model.TypeText, msg.Type)
	assert.WithinDuration(t, time.Now(), msg.CreatedAt, time.Minute)
}

func TestAppendRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)

	tests := []struct {
		name string
		p    AppendParams
		code string
	}{
		{"system type", AppendParams{RoomID: roomID, SenderID: 1, Content: "x", Type: model.TypeSystem}, chaterr.CodeMessageTypeInvalid},
		{"unknown type", AppendParams{RoomID: roomID, SenderID: 1, Content: "x", Type: "poll"}, chaterr.CodeMessageTypeInvalid},
		{"non-member", text(roomID, 3, "hi"), chaterr.CodeRoomAccessDenied},
		{"empty", text(roomID, 1, "   "), chaterr.CodeMessageEmpty},
		{"too large", text(roomID, 1, strings.Repeat("x", MaxContentBytes+1)), chaterr.CodeMessageTooLarge},
		{"file without token", AppendParams{RoomID: roomID, SenderID: 1, Type: model.TypeFile}, chaterr.CodeUploadRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.log.Append(ctx, tt.p)
			ce, ok := chaterr.As(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.code, ce.Code)
		})
	}
	assert.Zero(t, f.count(t, roomID), "rejected sends leave no rows")
}

func TestAppendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)

	p := text(roomID, 1, "hi")
	p.ClientMsgID = "x"
	first, created, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.count(t, roomID))

	// The same key in another room is a different message.
	other := f.group(t, 1)
	p.RoomID = other
	third, created, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	found, ok, err := f.log.FindByClientMsgID(ctx, roomID, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)
}

func TestAppendConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[int64]bool{}
		creates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := text(roomID, 1, "hi")
			p.ClientMsgID = "dup"
			msg, created, err := f.log.Append(ctx, p)
			assert.NoError(t, err)
			mu.Lock()
			ids[msg.ID] = true
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, f.count(t, roomID))
}

func TestReplyMustStayInRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)
	other := f.group(t, 1)

	parent, _, err := f.log.Append(ctx, text(roomID, 2, "parent"))
	require.NoError(t, err)
	foreign, _, err := f.log.Append(ctx, text(other, 1, "elsewhere"))
	require.NoError(t, err)

	p := text(roomID, 1, "reply")
	p.ReplyTo = &foreign.ID
	_, _, err = f.log.Append(ctx, p)
	assert.ErrorIs(t, err, chaterr.ErrReplyForeign)

	missing := int64(999999)
	p.ReplyTo = &missing
	_, _, err = f.log.Append(ctx, p)
	assert.ErrorIs(t, err, chaterr.ErrReplyForeign)

	p.ReplyTo = &parent.ID
	reply, _, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, reply.Reply)
	assert.Equal(t, parent.ID, reply.Reply.ID)
	assert.Equal(t, "parent", reply.Reply.Content)
}

func TestHistoryNeverShowsForeignPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)
	other := f.group(t, 1)

	foreign, _, err := f.log.Append(ctx, text(other, 1, "secret"))
	require.NoError(t, err)
	msg, _, err := f.log.Append(ctx, text(roomID, 1, "hello"))
	require.NoError(t, err)

	// A row that predates write-time validation.
	_, err = f.db.Exec(ctx, `UPDATE messages SET reply_to = ? WHERE id = ?`, foreign.ID, msg.ID)
	require.NoError(t, err)

	page, err := f.log.History(ctx, roomID, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, page[0].Reply)
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1)

	var ids []int64
	for i := 0; i < 5; i++ {
		m, _, err := f.log.Append(ctx, text(roomID, 1, "m"))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	page, err := f.log.History(ctx, roomID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{ids[3], ids[4]}, []int64{page[0].ID, page[1].ID})

	page, err = f.log.History(ctx, roomID, ids[3], 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)
}

func TestFileMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)

	token, _, err := f.uploads.Issue(ctx, uploads.Ticket{UserID: 1, RoomID: roomID, FilePath: "f.pdf", FileName: "plan.pdf", Type: model.TypeFile})
	require.NoError(t, err)

	// A rejected send leaves the token usable.
	bad := AppendParams{RoomID: roomID, SenderID: 1, Type: model.TypeFile, UploadToken: token, ReplyTo: ptr(12345)}
	_, _, err = f.log.Append(ctx, bad)
	assert.ErrorIs(t, err, chaterr.ErrReplyForeign)

	p := AppendParams{RoomID: roomID, SenderID: 1, Type: model.TypeFile, UploadToken: token, ClientMsgID: "file-1"}
	msg, created, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "f.pdf", msg.FilePath)
	assert.Equal(t, "plan.pdf", msg.FileName)

	// Retrying the same send answers with the original even though the token is spent.
	again, created, err := f.log.Append(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, msg.ID, again.ID)

	p.ClientMsgID = "file-2"
	_, _, err = f.log.Append(ctx, p)
	ce, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterr.CodeUploadUsed, ce.Code)

	other, _, err := f.uploads.Issue(ctx, uploads.Ticket{UserID: 1, RoomID: roomID, FilePath: "g.png", FileName: "g.png", Type: model.TypeImage})
	require.NoError(t, err)
	_, _, err = f.log.Append(ctx, AppendParams{RoomID: roomID, SenderID: 2, Type: model.TypeImage, UploadToken: other})
	ce, ok = chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterr.CodeUploadUserMismatch, ce.Code)
}

func TestEditAndRedact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1, 2)
	msg, _, err := f.log.Append(ctx, text(roomID, 1, "draft"))
	require.NoError(t, err)

	_, err = f.log.Edit(ctx, msg.ID, 2, "hijack", true)
	ce, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterr.CodeMessageNotEditable, ce.Code)

	_, err = f.log.Edit(ctx, msg.ID, 3, "outsider", true)
	assert.ErrorIs(t, err, chaterr.ErrNotMember)

	edited, err := f.log.Edit(ctx, msg.ID, 1, "final", true)
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)

	redacted, err := f.log.Redact(ctx, msg.ID, 1)
	require.NoError(t, err)
	assert.True(t, redacted.Deleted)
	assert.Equal(t, roomID, redacted.RoomID)

	stored, err := f.log.Get(ctx, msg.ID)
	require.NoError(t, err, "redacted rows are kept")
	assert.True(t, stored.Deleted)
	assert.Empty(t, stored.Content)

	_, err = f.log.Edit(ctx, msg.ID, 1, "resurrect", true)
	ce, ok = chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterr.CodeMessageNotEditable, ce.Code)

	_, err = f.log.Redact(ctx, 424242, 1)
	assert.ErrorIs(t, err, chaterr.ErrMessageGone)
}

func TestSystemMessagesAreNotEditable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	roomID := f.group(t, 1)

	sys, err := f.log.AppendSystem(ctx, roomID, 1, "1 left the room")
	require.NoError(t, err)
	assert.Equal(t, model.TypeSystem, sys.Type)

	_, err = f.log.Redact(ctx, sys.ID, 1)
	assert.Error(t, err)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.group(t, 1, 2)
	theirs := f.group(t, 3)

	plain := func(roomID, sender int64, content string) {
		p := text(roomID, sender, content)
		p.Encrypted = false
		_, _, err := f.log.Append(ctx, p)
		require.NoError(t, err)
	}
	plain(mine, 2, "deploy at 100% today")
	plain(mine, 2, "deploy tomorrow")
	plain(theirs, 3, "deploy secrets")
	_, _, err := f.log.Append(ctx, text(mine, 1, "deploy encrypted"))
	require.NoError(t, err)

	hits, err := f.log.Search(ctx, 1, "deploy")
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, mine, h.RoomID)
		assert.Equal(t, "g", h.RoomName)
	}

	hits, err = f.log.Search(ctx, 1, "100%")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = f.log.Search(ctx, 1, " d ")
	ce, ok := chaterr.As(err)
	require.True(t, ok)
	assert.Equal(t, chaterr.CodeSearchQueryInvalid, ce.Code)
}

func ptr(v int64) *int64 { return &v }
