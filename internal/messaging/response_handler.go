// Package messaging connects chat transports to the quest bot.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/QuestPipe/internal/flow"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
	"github.com/BTreeMap/QuestPipe/internal/util"
)

// Handler turns one inbound message into a reply.
type Handler interface {
	Handle(ctx context.Context, userID, text string) flow.Reply
}

// ResponseHandler reads inbound messages from a Service, drops redeliveries,
// passes the text to the bot and sends the reply back.
type ResponseHandler struct {
	svc     Service
	handler Handler
	users   store.DataStore
	dedup   store.DedupRepo
}

// ResponseHandlerOption configures a ResponseHandler.
type ResponseHandlerOption func(*ResponseHandler)

// WithDedup drops messages whose transport ID was already seen.
func WithDedup(d store.DedupRepo) ResponseHandlerOption {
	return func(rh *ResponseHandler) {
		rh.dedup = d
	}
}

// WithUserStore records sender names and greets first-time senders.
func WithUserStore(st store.DataStore) ResponseHandlerOption {
	return func(rh *ResponseHandler) {
		rh.users = st
	}
}

// NewResponseHandler creates a handler that replies through svc.
func NewResponseHandler(svc Service, h Handler, opts ...ResponseHandlerOption) *ResponseHandler {
	rh := &ResponseHandler{svc: svc, handler: h}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ProcessResponse handles one inbound message.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, resp models.Response) error {
	from, err := rh.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	reqID := util.NewUUID()
	if rh.dedup != nil && resp.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(resp.MessageID, from)
		if err != nil {
			// The message is still handled when the dedup store fails.
			slog.Error("ResponseHandler.ProcessResponse: dedup check failed", "error", err, "messageID", resp.MessageID, "reqID", reqID)
		} else if !fresh {
			slog.Debug("ResponseHandler.ProcessResponse: duplicate delivery dropped", "messageID", resp.MessageID, "from", from, "reqID", reqID)
			return nil
		}
	}

	text := resp.Body
	if rh.users != nil {
		existing, err := rh.users.GetUser(from)
		if err != nil {
			slog.Error("ResponseHandler.ProcessResponse: user lookup failed", "error", err, "from", from)
		} else {
			if _, err := rh.users.UpsertUser(from, resp.Name); err != nil {
				slog.Error("ResponseHandler.ProcessResponse: user upsert failed", "error", err, "from", from)
			}
			// A first free-text message from a new user is a "user started" event.
			if existing == nil && !strings.HasPrefix(strings.TrimSpace(text), "/") {
				text = "/start"
			}
		}
	}

	slog.Debug("ResponseHandler.ProcessResponse: handling", "from", from, "reqID", reqID, "body_length", len(text))
	reply := rh.handler.Handle(ctx, from, text)
	if reply.Text == "" {
		return nil
	}
	if err := rh.svc.SendMessage(ctx, from, reply.Render()); err != nil {
		return fmt.Errorf("send reply to %s: %w", from, err)
	}
	slog.Debug("ResponseHandler.ProcessResponse: replied", "from", from, "reqID", reqID)
	return nil
}

// Run processes inbound messages until ctx is cancelled or the service
// closes its channels. Receipts are drained so senders never block.
func (rh *ResponseHandler) Run(ctx context.Context) error {
	slog.Info("ResponseHandler.Run: started")
	defer slog.Info("ResponseHandler.Run: stopped")

	responses := rh.svc.Responses()
	receipts := rh.svc.Receipts()
	for responses != nil || receipts != nil {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if err := rh.ProcessResponse(ctx, resp); err != nil {
				slog.Error("ResponseHandler.Run: failed to process message", "error", err, "from", resp.From)
			}
		case r, ok := <-receipts:
			if !ok {
				receipts = nil
				continue
			}
			slog.Debug("ResponseHandler.Run: receipt", "to", r.To, "status", r.Status)
		}
	}
	return nil
}
