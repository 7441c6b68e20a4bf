package telegram

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	"chatrelay/internal/transport"
)

// goneErrors mean the chat will never accept messages from the bot again.
var goneErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrUserIsDeactivated,
	tele.ErrNotStartedByUser,
}

// goneDescriptions catch the same conditions when the API wording does not
// match a predefined telebot error exactly.
var goneDescriptions = []string{
	"bot was blocked",
	"chat not found",
	"bot was kicked",
	"user is deactivated",
	"bot can't initiate conversation",
}

func isGone(err error) bool {
	for _, target := range goneErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, d := range goneDescriptions {
		if strings.Contains(msg, d) {
			return true
		}
	}
	return false
}

// classify wraps a telebot send error as a transport.DeliveryError.
func classify(chatID int64, err error) error {
	if err == nil {
		return nil
	}
	return transport.Classify(chatID, err, isGone(err))
}
