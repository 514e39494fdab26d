package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.pilab.hu/verifybot/verification"
)

// Messenger sends direct messages.
type Messenger struct {
	api restAPI
}

// NewMessenger creates a Messenger on session.
func NewMessenger(session *discordgo.Session) *Messenger {
	return &Messenger{api: session}
}

// SendDirect implements bot.DirectMessenger.
func (m *Messenger) SendDirect(ctx context.Context, userID, text string) error {
	channel, err := m.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return m.wrap(err, "open DM channel")
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := m.api.ChannelMessageSend(channel.ID, chunk, discordgo.WithContext(ctx)); err != nil {
			return m.wrap(err, "send DM")
		}
	}
	return nil
}

func (m *Messenger) wrap(err error, op string) error {
	if isDMBlocked(err) {
		return fmt.Errorf("%w: %w", verification.ErrDeliveryBlocked, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// conversation answers in the channel a message arrived in.
type conversation struct {
	api restAPI
	msg *discordgo.Message
}

// Reply sends text as a reply to the message. Long texts continue in plain messages.
func (c *conversation) Reply(ctx context.Context, text string) error {
	for i, chunk := range splitMessage(text, maxMessageLength) {
		var err error
		if i == 0 {
			_, err = c.api.ChannelMessageSendReply(c.msg.ChannelID, chunk, c.msg.Reference(), discordgo.WithContext(ctx))
		} else {
			_, err = c.api.ChannelMessageSend(c.msg.ChannelID, chunk, discordgo.WithContext(ctx))
		}
		if err != nil {
			return fmt.Errorf("reply in channel %s: %w", c.msg.ChannelID, err)
		}
	}
	return nil
}

// IsAdministrator implements bot.Conversation.
func (c *conversation) IsAdministrator(ctx context.Context) (bool, error) {
	perms, err := c.api.UserChannelPermissions(c.msg.Author.ID, c.msg.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("resolve permissions: %w", err)
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}
