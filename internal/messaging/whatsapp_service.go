package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service over the whatsmeow client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client
	receipts  chan models.Receipt
	responses chan models.Response

	mu      sync.RWMutex
	stopped bool
	handler uint32
}

// NewWhatsAppService wraps client. Inbound events are only available when
// client is a *whatsapp.Client; mocks can only send.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

var _ Service = (*WhatsAppService)(nil)

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, inbound events disabled")
		return nil
	}
	s.handler = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop removes the event handler and closes the event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handler)
	}
	close(s.receipts)
	close(s.responses)
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

// SendMessage sends body and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	s.emitReceipt(models.Receipt{To: canonical, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if resp, ok := responseFromMessage(v); ok {
			s.emitResponse(resp)
		}
	case *events.Receipt:
		if r, ok := receiptFromEvent(v); ok {
			s.emitReceipt(r)
		}
	}
}

// responseFromMessage extracts the text of an inbound chat message.
// Own messages, group messages and non-text content are ignored.
func responseFromMessage(evt *events.Message) (models.Response, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetButtonsResponseMessage().GetSelectedButtonID() != "":
		text = evt.Message.GetButtonsResponseMessage().GetSelectedButtonID()
	default:
		slog.Debug("WhatsAppService: ignoring non-text message", "from", evt.Info.Sender.User)
		return models.Response{}, false
	}
	return models.Response{
		From:      evt.Info.Sender.User,
		Name:      evt.Info.PushName,
		Body:      text,
		Time:      evt.Info.Timestamp.Unix(),
		MessageID: string(evt.Info.ID),
	}, true
}

func receiptFromEvent(evt *events.Receipt) (models.Receipt, bool) {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return models.Receipt{}, false
	}
	return models.Receipt{To: evt.Sender.User, Status: status, Time: evt.Timestamp.Unix()}, true
}

func (s *WhatsAppService) emitResponse(resp models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.responses <- resp:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService: responses channel blocked, dropping message", "from", resp.From)
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Debug("WhatsAppService: receipts channel blocked, dropping receipt", "to", r.To)
	}
}
