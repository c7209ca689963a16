// Package telegram implements the Telegram half of spec.md's channel layer
// (4.1's dispatcher needs exactly one Channel per transport) using telego,
// the teacher's own Telegram SDK. The teacher only used telego for
// forum-topic/pin bot-admin tool calls (pkg/tools/telegram.go); this is the
// actual long-polling ingress/egress loop that tool never needed.
package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/omega/pkg/channel"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

type Channel struct {
	bot    *telego.Bot
	client *http.Client
}

func New(token string) (*Channel, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &Channel{bot: bot, client: http.DefaultClient}, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling and translates updates into IncomingMessages on out.
func (c *Channel) Start(ctx context.Context, out chan<- types.IncomingMessage) error {
	updates, err := c.bot.UpdatesViaLongPolling(nil)
	if err != nil {
		return fmt.Errorf("telegram: start long polling: %w", err)
	}
	go func() {
		defer c.bot.StopLongPolling()
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil {
					continue
				}
				msg, ok := c.translate(ctx, upd.Message)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (c *Channel) translate(ctx context.Context, m *telego.Message) (types.IncomingMessage, bool) {
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	var atts []types.Attachment
	if len(m.Photo) > 0 {
		// Photos arrive as a size ladder; the last entry is the highest resolution.
		best := m.Photo[len(m.Photo)-1]
		if data, err := c.download(ctx, best.FileID); err == nil {
			atts = append(atts, types.Attachment{Kind: "image", Bytes: data})
		} else {
			logger.WarnCF("channel.telegram", "failed to download photo", map[string]interface{}{"error": err.Error()})
		}
	}
	if m.Voice != nil {
		if data, err := c.download(ctx, m.Voice.FileID); err == nil {
			atts = append(atts, types.Attachment{Kind: "voice", Bytes: data})
		} else {
			logger.WarnCF("channel.telegram", "failed to download voice note", map[string]interface{}{"error": err.Error()})
		}
	}

	if text == "" && len(atts) == 0 {
		return types.IncomingMessage{}, false
	}

	senderID := ""
	senderName := ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if m.From.Username != "" {
			senderName = "@" + m.From.Username
		}
	}

	return types.IncomingMessage{
		ID:          strconv.Itoa(m.MessageID),
		Channel:     c.Name(),
		SenderID:    senderID,
		SenderName:  senderName,
		Text:        text,
		Attachments: atts,
		ReplyTarget: strconv.FormatInt(m.Chat.ID, 10),
		IsGroup:     m.Chat.Type == telego.ChatTypeGroup || m.Chat.Type == telego.ChatTypeSupergroup,
	}, true
}

func (c *Channel) download(ctx context.Context, fileID string) ([]byte, error) {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, err
	}
	url := c.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Send delivers an OutgoingMessage, retrying as plain text if markdown
// parsing is rejected by Telegram's API (spec.md 4.1's Result.RetriedPlainText).
func (c *Channel) Send(ctx context.Context, msg types.OutgoingMessage) (channel.Result, error) {
	chatID, err := strconv.ParseInt(msg.ReplyTarget, 10, 64)
	if err != nil {
		return channel.Result{}, fmt.Errorf("telegram: invalid chat id %q: %w", msg.ReplyTarget, err)
	}

	for _, path := range msg.Attachments {
		photo := tu.Photo(tu.ID(chatID), tu.FileFromDisk(path))
		if _, err := c.bot.SendPhoto(ctx, photo); err != nil {
			logger.WarnCF("channel.telegram", "failed to send attachment", map[string]interface{}{"path": path, "error": err.Error()})
		}
	}

	if msg.Text == "" {
		return channel.Result{}, nil
	}

	params := tu.Message(tu.ID(chatID), msg.Text)
	if msg.ParseMode == types.ParseMarkdown {
		params = params.WithParseMode(telego.ModeMarkdownV2)
	}
	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		if msg.ParseMode == types.ParseMarkdown {
			plain := tu.Message(tu.ID(chatID), msg.Text)
			if _, err2 := c.bot.SendMessage(ctx, plain); err2 == nil {
				return channel.Result{RetriedPlainText: true}, nil
			}
		}
		return channel.Result{}, fmt.Errorf("telegram: send message: %w", err)
	}
	return channel.Result{}, nil
}

func (c *Channel) SendTyping(ctx context.Context, target string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
}
