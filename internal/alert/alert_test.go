package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   slackMessage
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	m.lastBody = slackMessage{}
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		json.Unmarshal(data, &m.lastBody)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func fieldValue(msg slackMessage, title string) string {
	for _, a := range msg.Attachments {
		for _, f := range a.Fields {
			if f.Title == title {
				return f.Value
			}
		}
	}
	return ""
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestSendStoppedAlert_Disabled(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(false, "https://hooks.slack.com/test", mock)

	if err := m.SendStoppedAlert("id", "payments", "kms closed"); err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected no request when disabled")
	}
}

func TestSendStoppedAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	if err := m.SendStoppedAlert("id", "payments", "kms closed"); err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestNilManager(t *testing.T) {
	var m *Manager
	if err := m.SendReconnectAlert("id", "payments"); err != nil {
		t.Errorf("expected nil manager to drop alerts, got: %v", err)
	}
}

func TestSendStoppedAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendStoppedAlert("5b5a7d2e", "payments", "KMS connection closed with no reconnection")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}
	if fieldValue(mock.lastBody, "Service") != "payments" || fieldValue(mock.lastBody, "Sidecar ID") != "5b5a7d2e" {
		t.Errorf("unexpected fields: %+v", mock.lastBody)
	}
}

func TestSendStoppedAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendStoppedAlert("id", "payments", "kms closed"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendReconnectAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendReconnectAlert("old-id", "payments"); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if len(mock.lastBody.Attachments) != 1 || mock.lastBody.Attachments[0].Color != "warning" {
		t.Errorf("expected a warning attachment, got %+v", mock.lastBody)
	}
}

func TestSendIntegrityAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendIntegrityAlert("batch-1", "", "signature mismatch"); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if fieldValue(mock.lastBody, "Event ID") != "" {
		t.Error("expected no event field for batch-level failure")
	}

	if err := m.SendIntegrityAlert("batch-1", "event-9", "row signature mismatch"); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if fieldValue(mock.lastBody, "Event ID") != "event-9" {
		t.Error("expected event field")
	}
}

func TestSendSystemAlert_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection reset")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendSystemAlert("Storage", "disk full", "warning")
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("expected wrapped transport error, got: %v", err)
	}
}
