package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/StudyPipe/StudyPipe/internal/models"
	"github.com/StudyPipe/StudyPipe/internal/twiliowhatsapp"
)

func postWebhookForm(t *testing.T, svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookEmitsResponse(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	form.Set("Body", "blue")
	rec := postWebhookForm(t, svc, form)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", rec.Code)
	}

	select {
	case resp := <-svc.Responses():
		if resp.From != "whatsapp:+15551234567" || resp.Body != "blue" {
			t.Errorf("emitted response = %+v, want webhook fields", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("no response emitted for webhook")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+15551234567")
	rec := postWebhookForm(t, svc, form)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("webhook status = %d, want 400 for missing body", rec.Code)
	}

	select {
	case resp := <-svc.Responses():
		t.Errorf("unexpected response emitted: %+v", resp)
	default:
	}
}

func TestTwilioSendMessageEmitsReceipt(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+1 (555) 123-4567", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "15551234567" {
		t.Fatalf("mock sent = %+v, want one message to canonical number", mock.SentMessages)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551234567" || receipt.Status != models.StatusTypeSent {
			t.Errorf("receipt = %+v, want sent status for canonical number", receipt)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted")
	}
}

func TestTwilioSendMessageAfterStop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "hello"); err != ErrServiceStopped {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}
