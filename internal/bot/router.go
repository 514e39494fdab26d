package bot

import (
	"context"
	"errors"
	"strings"

	"go.pilab.hu/verifybot/domain"
	"go.pilab.hu/verifybot/log"
	"go.pilab.hu/verifybot/verification"
)

// Commands. Matching is exact and case-sensitive.
const (
	CommandVerify        = "!verify"
	CommandVerifiedUsers = "!verified-users"
)

// Message is an inbound chat message.
type Message struct {
	ID         string
	AuthorID   string
	AuthorName string
	AuthorBot  bool
	GuildID    string // empty for direct messages
	ChannelID  string
	Content    string
}

// IsDirect reports whether the message was sent in a direct message channel.
func (m Message) IsDirect() bool {
	return m.GuildID == ""
}

// Conversation is the channel a message arrived in.
type Conversation interface {
	Reply(ctx context.Context, text string) error
	// IsAdministrator reports whether the author holds administrator permission in the guild.
	IsAdministrator(ctx context.Context) (bool, error)
}

// DirectMessenger sends a direct message to a user. It returns
// verification.ErrDeliveryBlocked when the user does not accept DMs.
type DirectMessenger interface {
	SendDirect(ctx context.Context, userID, text string) error
}

// Verifier is the workflow the router drives. *verification.Service implements it.
type Verifier interface {
	StartChallenge(ctx context.Context, r verification.Requester, d verification.Deliverer) (verification.StartResult, error)
	Submit(ctx context.Context, r verification.Requester, handle string) (verification.SubmitResult, error)
	ListVerified(ctx context.Context, communityID string) ([]*domain.VerificationRecord, error)
}

// Router turns chat commands into verification calls and replies.
type Router struct {
	verifier Verifier
	dm       DirectMessenger
	logger   log.Logger
}

// NewRouter creates a Router.
func NewRouter(verifier Verifier, dm DirectMessenger, logger log.Logger) *Router {
	return &Router{verifier: verifier, dm: dm, logger: logger}
}

// Handle processes one message. It blocks for the duration of any platform
// calls, so callers run it off the event loop.
func (r *Router) Handle(ctx context.Context, msg Message, conv Conversation) {
	if msg.AuthorBot {
		return
	}
	if msg.IsDirect() {
		if handle, ok := parseSubmit(msg.Content); ok {
			r.submit(ctx, msg, conv, handle)
		}
		return
	}

	switch msg.Content {
	case CommandVerify:
		r.start(ctx, msg, conv)
	case CommandVerifiedUsers:
		r.listVerified(ctx, msg, conv)
	}
}

// parseSubmit extracts the handle of a "!verify <handle>" command. Like the
// chat client, the handle is the second space separated field.
func parseSubmit(content string) (string, bool) {
	if content != CommandVerify && !strings.HasPrefix(content, CommandVerify+" ") {
		return "", false
	}
	fields := strings.Split(content, " ")
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}

func (r *Router) start(ctx context.Context, msg Message, conv Conversation) {
	_, err := r.verifier.StartChallenge(ctx, requester(msg), instructionDeliverer{dm: r.dm})

	var text string
	switch {
	case err == nil:
		text = msgInstructionsSent
	case errors.Is(err, verification.ErrAlreadyVerified):
		text = msgAlreadyVerified
	case errors.Is(err, verification.ErrDeliveryBlocked):
		text = msgDMBlocked
	default:
		r.logger.Error(ctx, "Failed to start verification", err, log.Fields{"discord_id": msg.AuthorID})
		text = msgGenericError
	}
	r.reply(ctx, conv, text)
}

func (r *Router) submit(ctx context.Context, msg Message, conv Conversation, handle string) {
	res, err := r.verifier.Submit(ctx, requester(msg), handle)

	var (
		text string
		perr *verification.ProofError
	)
	switch {
	case err == nil && res.Outcome == verification.SubmitVerified:
		text = msgVerified
	case err == nil:
		text = msgPartial
	case errors.Is(err, verification.ErrUsage):
		text = msgUsage
	case errors.Is(err, domain.ErrChallengeExpired):
		text = msgCodeExpired
	case errors.Is(err, verification.ErrNoActiveChallenge):
		text = msgStartFirst
	case errors.As(err, &perr):
		text = proofFailureText(perr)
	case errors.Is(err, verification.ErrTransient):
		r.logger.Warn(ctx, "Verification hit a temporary failure", log.Fields{"discord_id": msg.AuthorID, "error": err.Error()})
		text = msgFailedPrefix + msgTransient
	default:
		r.logger.Error(ctx, "Verification failed unexpectedly", err, log.Fields{"discord_id": msg.AuthorID})
		text = msgGrantError
	}
	r.reply(ctx, conv, text)
}

func (r *Router) listVerified(ctx context.Context, msg Message, conv Conversation) {
	admin, err := conv.IsAdministrator(ctx)
	if err != nil {
		r.logger.Warn(ctx, "Failed to resolve member permissions", log.Fields{"error": err.Error()})
		return
	}
	if !admin {
		return
	}

	records, err := r.verifier.ListVerified(ctx, msg.GuildID)
	if err != nil {
		r.logger.Error(ctx, "Failed to list verified users", err, log.Fields{"guild_id": msg.GuildID})
		r.reply(ctx, conv, msgGenericError)
		return
	}
	r.reply(ctx, conv, verifiedUsersText(records))
}

func (r *Router) reply(ctx context.Context, conv Conversation, text string) {
	if err := conv.Reply(ctx, text); err != nil {
		r.logger.Warn(ctx, "Failed to send reply", log.Fields{"error": err.Error()})
	}
}

func requester(msg Message) verification.Requester {
	return verification.Requester{ID: msg.AuthorID, DisplayName: msg.AuthorName}
}

// instructionDeliverer renders challenge instructions as a direct message.
type instructionDeliverer struct {
	dm DirectMessenger
}

func (d instructionDeliverer) DeliverInstructions(ctx context.Context, requesterID string, in verification.Instructions) error {
	return d.dm.SendDirect(ctx, requesterID, InstructionsText(in))
}
