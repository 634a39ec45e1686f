// Package chatservice provides the Fetcher interface the Sync Orchestrator
// depends on, plus a thin discordgo-backed implementation. Per spec.md §1
// this is explicitly out of scope as a specified subsystem (it's "the
// chat-service API client") — it exists only as the concrete collaborator
// the orchestrator is dependency-injected with, enumerating exactly the
// fetch primitives §4.4 needs and nothing from discordgo's gateway, voice,
// or slash-command surfaces.
package chatservice

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// RawMessage is one message as returned by the fetcher, in the chat
// service's own shape — the orchestrator maps this into store.Message.
type RawMessage struct {
	MessageID  string
	ChannelID  string
	ThreadID   string
	AuthorID   string
	ContentMD  string
	CreatedAt  time.Time
	EditedAt   *time.Time
	JumpLink   string
	IsTopLevel bool
}

// Container is one channel or thread the fetcher can drain.
type Container struct {
	ID       string
	ParentID string // set for threads
	IsThread bool
	Archived bool
}

// ProgressFunc reports fan-out progress during a guild-scope fetch:
// completed/total containers and a human phase label (spec.md §4.4 step 1).
type ProgressFunc func(completed, total int, phase string)

// Fetcher is the minimal interface the orchestrator depends on. Guild-scope
// fetches fan out across channels and threads internally; channel-scope
// fetches drain a single container.
type Fetcher interface {
	// Containers lists the channels (and, for scope=guild, active+archived
	// threads) that should be drained for a sync job.
	Containers(ctx context.Context, guildID string, scope string, targetIDs []string) ([]Container, error)
	// FetchMessages drains one container, optionally bounded below by
	// since (delta mode). Implementations must honor ctx cancellation —
	// the orchestrator applies a 30s timeout per thread (spec.md §4.4).
	FetchMessages(ctx context.Context, guildID string, c Container, since *time.Time, progress ProgressFunc) ([]RawMessage, error)
}

// Discord is the default Fetcher, backed by bwmarrin/discordgo's REST
// client (no gateway connection is opened — only HTTP listing endpoints
// are used).
type Discord struct {
	session *discordgo.Session
}

// New builds a Discord fetcher from a bot token.
func New(token string) (*Discord, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: s}, nil
}

func (d *Discord) Containers(ctx context.Context, guildID string, scope string, targetIDs []string) ([]Container, error) {
	if scope == "channel" || scope == "thread" {
		out := make([]Container, 0, len(targetIDs))
		for _, id := range targetIDs {
			out = append(out, Container{ID: id, IsThread: scope == "thread"})
		}
		return out, nil
	}

	channels, err := d.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list guild channels: %w", err)
	}

	var out []Container
	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildForum {
			continue
		}
		out = append(out, Container{ID: ch.ID})

		active, err := d.session.ThreadsActive(ch.ID, discordgo.WithContext(ctx))
		if err == nil {
			for _, t := range active.Threads {
				out = append(out, Container{ID: t.ID, ParentID: ch.ID, IsThread: true})
			}
		}
		archived, err := d.session.ThreadsArchived(ch.ID, nil, 100, discordgo.WithContext(ctx))
		if err == nil {
			for _, t := range archived.Threads {
				out = append(out, Container{ID: t.ID, ParentID: ch.ID, IsThread: true, Archived: true})
			}
		}
	}
	return out, nil
}

const pageSize = 100

func (d *Discord) FetchMessages(ctx context.Context, guildID string, c Container, since *time.Time, progress ProgressFunc) ([]RawMessage, error) {
	var out []RawMessage
	before := ""
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		page, err := d.session.ChannelMessages(c.ID, pageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return out, fmt.Errorf("fetch messages for %s: %w", c.ID, err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if since != nil && m.Timestamp.Before(*since) {
				continue
			}
			out = append(out, toRawMessage(guildID, c, m))
		}
		before = page[len(page)-1].ID
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

func toRawMessage(guildID string, c Container, m *discordgo.Message) RawMessage {
	raw := RawMessage{
		MessageID: m.ID,
		ChannelID: c.ID,
		AuthorID:  authorID(m),
		ContentMD: m.Content,
		CreatedAt: m.Timestamp,
		JumpLink:  fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guildID, c.ID, m.ID),
	}
	if c.IsThread {
		raw.ThreadID = c.ID
		raw.ChannelID = c.ParentID
	}
	if m.EditedTimestamp != nil {
		raw.EditedAt = m.EditedTimestamp
	}
	raw.IsTopLevel = m.Type == discordgo.MessageTypeDefault && m.ReferencedMessage == nil
	return raw
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}
