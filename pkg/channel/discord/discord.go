// Package discord is a reference Channel implementation using
// bwmarrin/discordgo, a teacher dependency the original picoclaw never
// wired into anything. It demonstrates that channel.Channel is not
// Telegram-specific and gives Omega a second concrete transport.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/omega/pkg/channel"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

type Channel struct {
	session *discordgo.Session
	selfID  string
}

func New(token string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &Channel{session: session}, nil
}

func (c *Channel) Name() string { return "discord" }

func (c *Channel) Start(ctx context.Context, out chan<- types.IncomingMessage) error {
	c.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || (c.selfID != "" && m.Author.ID == c.selfID) {
			return
		}
		msg := c.translate(ctx, m.Message)
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	if c.session.State != nil && c.session.State.User != nil {
		c.selfID = c.session.State.User.ID
	}

	go func() {
		<-ctx.Done()
		c.session.Close()
	}()
	return nil
}

func (c *Channel) translate(ctx context.Context, m *discordgo.Message) types.IncomingMessage {
	var atts []types.Attachment
	for _, a := range m.Attachments {
		if !isImageURL(a.URL) {
			continue
		}
		if data, err := download(ctx, a.URL); err == nil {
			atts = append(atts, types.Attachment{Kind: "image", Bytes: data})
		} else {
			logger.WarnCF("channel.discord", "failed to download attachment", map[string]interface{}{"error": err.Error()})
		}
	}

	senderName := ""
	if m.Author != nil {
		senderName = m.Author.Username
	}

	return types.IncomingMessage{
		ID:          m.ID,
		Channel:     c.Name(),
		SenderID:    authorID(m),
		SenderName:  senderName,
		Text:        m.Content,
		Attachments: atts,
		ReplyTarget: m.ChannelID,
		IsGroup:     m.GuildID != "",
	}
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

func isImageURL(url string) bool {
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if len(url) >= len(ext) && url[len(url)-len(ext):] == ext {
			return true
		}
	}
	return false
}

func download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Channel) Send(ctx context.Context, msg types.OutgoingMessage) (channel.Result, error) {
	for _, path := range msg.Attachments {
		if _, err := c.session.ChannelFileSend(msg.ReplyTarget, path); err != nil {
			logger.WarnCF("channel.discord", "failed to send attachment", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}
	if msg.Text == "" {
		return channel.Result{}, nil
	}
	if _, err := c.session.ChannelMessageSend(msg.ReplyTarget, msg.Text); err != nil {
		return channel.Result{}, fmt.Errorf("discord: send message: %w", err)
	}
	return channel.Result{}, nil
}

func (c *Channel) SendTyping(ctx context.Context, target string) error {
	return c.session.ChannelTyping(target)
}
