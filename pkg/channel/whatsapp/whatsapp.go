// Package whatsapp implements the WhatsApp Cloud API half of the channel
// layer with net/http directly: no repo in the pack carries a WhatsApp
// Business API client, so this is the one channel built on the standard
// library rather than a third-party SDK (see DESIGN.md).
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sipeed/omega/pkg/apperr"
	"github.com/sipeed/omega/pkg/channel"
	"github.com/sipeed/omega/pkg/logger"
	"github.com/sipeed/omega/pkg/types"
)

const graphBaseURL = "https://graph.facebook.com/v20.0"

type Channel struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	client        *http.Client
}

func New(phoneNumberID, accessToken, verifyToken string) *Channel {
	return &Channel{
		PhoneNumberID: phoneNumberID, AccessToken: accessToken, VerifyToken: verifyToken,
		client: http.DefaultClient,
	}
}

func (c *Channel) Name() string { return "whatsapp" }

// Start is a no-op: WhatsApp delivers messages via an HTTP webhook the
// operator wires to HandleWebhook, not a polling loop.
func (c *Channel) Start(ctx context.Context, out chan<- types.IncomingMessage) error {
	return nil
}

// webhookPayload mirrors the Cloud API's inbound message notification shape.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// HandleWebhook parses one Cloud API delivery into IncomingMessages on out.
// Wired from the admin HTTP server's POST /webhooks/whatsapp route.
func (c *Channel) HandleWebhook(body []byte, out chan<- types.IncomingMessage) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return apperr.Channel("whatsapp.webhook", err)
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := map[string]string{}
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" {
					continue
				}
				out <- types.IncomingMessage{
					ID: m.ID, Channel: c.Name(), SenderID: m.From, SenderName: names[m.From],
					Text: m.Text.Body, ReplyTarget: m.From,
				}
			}
		}
	}
	return nil
}

// VerifyChallenge answers the Cloud API's GET webhook-verification handshake.
func (c *Channel) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.VerifyToken {
		return challenge, true
	}
	return "", false
}

type sendTextRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (c *Channel) Send(ctx context.Context, msg types.OutgoingMessage) (channel.Result, error) {
	if msg.Text == "" {
		return channel.Result{}, nil
	}
	req := sendTextRequest{MessagingProduct: "whatsapp", To: msg.ReplyTarget, Type: "text"}
	req.Text.Body = msg.Text

	if err := c.post(ctx, fmt.Sprintf("%s/%s/messages", graphBaseURL, c.PhoneNumberID), req); err != nil {
		return channel.Result{}, apperr.Channel("whatsapp.send", err)
	}
	for _, path := range msg.Attachments {
		logger.WarnCF("channel.whatsapp", "media upload not implemented, skipping attachment", map[string]interface{}{"path": path})
	}
	return channel.Result{}, nil
}

func (c *Channel) SendTyping(ctx context.Context, target string) error {
	// The Cloud API has no standalone typing indicator endpoint.
	return nil
}

func (c *Channel) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp api error %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
