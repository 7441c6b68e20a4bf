package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"chatrelay/internal/transport"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")
	parts := splitText(text, 70, "")
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 70)
		assert.False(t, strings.HasPrefix(p, "\n"))
		assert.False(t, strings.HasSuffix(p, "\n"))
	}
	assert.Equal(t, line+"\n"+line, parts[0])
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 18) + "<b>bold</b>"
	parts := splitText(text, 20, "HTML")
	require.Greater(t, len(parts), 1)
	assert.Equal(t, strings.Repeat("x", 18), parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "<b>"))
	assert.Equal(t, text, strings.Join(parts, ""))
}

func TestSplitTextRuneSafe(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("é", 25)
	parts := splitText(text, 10, "")
	require.Len(t, parts, 3)
	assert.Equal(t, text, strings.Join(parts, ""))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		gone bool
	}{
		{"blocked", tele.ErrBlockedByUser, true},
		{"chat not found", fmt.Errorf("send: %w", tele.ErrChatNotFound), true},
		{"kicked", tele.ErrKickedFromGroup, true},
		{"deactivated", tele.ErrUserIsDeactivated, true},
		{"description", errors.New("telegram: Forbidden: bot was kicked from the supergroup chat (403)"), true},
		{"flood", errors.New("telegram: Too Many Requests: retry after 5 (429)"), false},
		{"network", errors.New("dial tcp: i/o timeout"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify(99, tc.err)
			require.Error(t, err)
			assert.Equal(t, tc.gone, transport.IsGone(err))
			assert.Equal(t, !tc.gone, errors.Is(err, transport.ErrDeliveryTransient))
			assert.ErrorIs(t, err, tc.err)

			var de *transport.DeliveryError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, int64(99), de.ChatID)
		})
	}
	assert.NoError(t, classify(1, nil))
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	const botID = 777
	m := &tele.Message{
		ID:       5,
		ThreadID: 3,
		Text:     "hi there",
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup, Title: "Crew"},
		Sender:   &tele.User{ID: 10, FirstName: "Ada", LastName: "L", Username: "ada", LanguageCode: "en"},
		ReplyTo:  &tele.Message{ID: 4, Sender: &tele.User{ID: botID}},
	}
	got := toMessage(m, botID)
	require.NotNil(t, got)
	assert.Equal(t, transport.Message{
		ID: 5, ChatID: -100, ThreadID: 3, ChatKind: transport.ChatGroup, ChatTitle: "Crew",
		FromID: 10, FromUsername: "ada", FromFirstName: "Ada", FromLastName: "L", LanguageCode: "en",
		Text: "hi there", ReplyToBot: true,
	}, *got)

	private := &tele.Message{ID: 1, Text: "yo", Chat: &tele.Chat{ID: 10, Type: tele.ChatPrivate, Title: "ignored"}, Sender: &tele.User{ID: 10}}
	got = toMessage(private, botID)
	require.NotNil(t, got)
	assert.Equal(t, transport.ChatPrivate, got.ChatKind)
	assert.Empty(t, got.ChatTitle)
	assert.False(t, got.ReplyToBot)

	channel := &tele.Message{Chat: &tele.Chat{ID: -5, Type: tele.ChatChannel}, Sender: &tele.User{ID: 1}}
	assert.Nil(t, toMessage(channel, botID))
	assert.Nil(t, toMessage(&tele.Message{Chat: &tele.Chat{ID: 1, Type: tele.ChatPrivate}}, botID))
}

func TestToMemberChange(t *testing.T) {
	t.Parallel()

	upd := func(role tele.MemberStatus, typ tele.ChatType) *tele.ChatMemberUpdate {
		return &tele.ChatMemberUpdate{
			Chat:          &tele.Chat{ID: -42, Type: typ, Title: "Club"},
			Sender:        &tele.User{ID: 8},
			NewChatMember: &tele.ChatMember{Role: role},
		}
	}

	mc, ok := toMemberChange(upd(tele.Member, tele.ChatGroup))
	require.True(t, ok)
	assert.Equal(t, transport.MemberChange{ChatID: -42, ChatKind: transport.ChatGroup, ChatTitle: "Club", ByID: 8, Joined: true}, *mc)

	mc, ok = toMemberChange(upd(tele.Kicked, tele.ChatSuperGroup))
	require.True(t, ok)
	assert.False(t, mc.Joined)

	_, ok = toMemberChange(upd(tele.Member, tele.ChatPrivate))
	assert.False(t, ok)
	_, ok = toMemberChange(nil)
	assert.False(t, ok)
}
