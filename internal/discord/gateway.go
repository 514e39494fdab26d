package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.pilab.hu/verifybot/internal/bot"
	"go.pilab.hu/verifybot/log"
	"golang.org/x/sync/semaphore"
)

// Intents requested from the gateway.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// Handler processes one chat message. *bot.Router implements it.
type Handler interface {
	Handle(ctx context.Context, msg bot.Message, conv bot.Conversation)
}

// Gateway receives message events and runs each on its own goroutine, so a
// slow platform call never stalls the event loop.
type Gateway struct {
	session *discordgo.Session
	handler Handler
	logger  log.Logger
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	remove func()
}

// NewSession creates an unopened bot session with the required intents.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	return session, nil
}

// NewGateway creates a Gateway running at most maxConcurrent handlers at once.
func NewGateway(session *discordgo.Session, handler Handler, maxConcurrent int64, logger log.Logger) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		session: session,
		handler: handler,
		logger:  logger,
		sem:     semaphore.NewWeighted(maxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Open registers the handlers and connects to the gateway.
func (g *Gateway) Open() error {
	removeMsg := g.session.AddHandler(g.onMessageCreate)
	removeReady := g.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		g.logger.Info(g.ctx, "Bot is ready", log.Fields{"user": r.User.String(), "guilds": len(r.Guilds)})
	})
	g.remove = func() {
		removeMsg()
		removeReady()
	}

	if err := g.session.Open(); err != nil {
		g.remove()
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects and waits for running handlers until ctx is done.
func (g *Gateway) Close(ctx context.Context) error {
	if g.remove != nil {
		g.remove()
	}
	err := g.session.Close()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn(ctx, "Gave up waiting for message handlers")
	}
	g.cancel()
	return err
}

func (g *Gateway) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	g.dispatch(m.Message)
}

func (g *Gateway) dispatch(m *discordgo.Message) {
	msg := bot.Message{
		ID:         m.ID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.String(),
		AuthorBot:  m.Author.Bot,
		GuildID:    m.GuildID,
		ChannelID:  m.ChannelID,
		Content:    m.Content,
	}
	conv := &conversation{api: g.session, msg: m}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			return
		}
		defer g.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				g.logger.Error(g.ctx, "Message handler panicked", fmt.Errorf("%v", r), log.Fields{"message_id": msg.ID})
			}
		}()
		g.handler.Handle(g.ctx, msg, conv)
	}()
}
