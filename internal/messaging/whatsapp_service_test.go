package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+123456789", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "123456789" {
			t.Errorf("receipt.To = %s", receipt.To)
		}
		if receipt.Status != models.MessageStatusSent {
			t.Errorf("receipt.Status = %s", receipt.Status)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
	if sent := mockClient.Sent(); len(sent) != 1 || sent[0].To != "123456789" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "123456789", "late"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v", err)
	}
}

func newMessageEvent(msg *waE2E.Message) *events.Message {
	evt := &events.Message{Message: msg}
	evt.Info.ID = "3EB0ABCDEF"
	evt.Info.PushName = "Alice"
	evt.Info.Timestamp = time.Unix(1700000000, 0)
	evt.Info.Sender = types.NewJID("15551234567", types.DefaultUserServer)
	return evt
}

func TestResponseFromMessage(t *testing.T) {
	resp, ok := responseFromMessage(newMessageEvent(&waE2E.Message{Conversation: proto.String("/quests")}))
	if !ok {
		t.Fatal("expected text message to be accepted")
	}
	want := models.Response{From: "15551234567", Name: "Alice", Body: "/quests", Time: 1700000000, MessageID: "3EB0ABCDEF"}
	if resp != want {
		t.Errorf("resp = %+v, want %+v", resp, want)
	}

	ext := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("read 20 pages")}}
	if resp, ok := responseFromMessage(newMessageEvent(ext)); !ok || resp.Body != "read 20 pages" {
		t.Errorf("extended text: %+v, %v", resp, ok)
	}

	fromMe := newMessageEvent(&waE2E.Message{Conversation: proto.String("echo")})
	fromMe.Info.IsFromMe = true
	if _, ok := responseFromMessage(fromMe); ok {
		t.Error("own messages must be ignored")
	}

	if _, ok := responseFromMessage(newMessageEvent(&waE2E.Message{})); ok {
		t.Error("non-text messages must be ignored")
	}
}
