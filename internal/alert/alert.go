package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const footer = "Forensic Logging Sidecar"

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager posts sidecar alerts to a Slack webhook. A disabled manager, or one
// without a webhook, silently drops every alert.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendStoppedAlert reports a sidecar that stopped because the KMS channel
// could not be kept or restored.
func (m *Manager) SendStoppedAlert(sidecarID, service, reason string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *SIDECAR STOPPED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Forensic logging halted",
				Fields: []slackField{
					{Title: "Service", Value: service, Short: true},
					{Title: "Sidecar ID", Value: sidecarID, Short: true},
					{Title: "Reason", Value: reason, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendReconnectAlert reports that the KMS connection dropped and the sidecar
// is re-registering under a new identity.
func (m *Manager) SendReconnectAlert(previousID, service string) error {
	if !m.active() {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *KMS CONNECTION LOST*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Reconnecting to KMS",
				Fields: []slackField{
					{Title: "Service", Value: service, Short: true},
					{Title: "Previous Sidecar ID", Value: previousID, Short: true},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendIntegrityAlert reports a stored batch that failed an audit.
func (m *Manager) SendIntegrityAlert(batchID, eventID, reason string) error {
	if !m.active() {
		return nil
	}

	fields := []slackField{{Title: "Batch ID", Value: batchID, Short: true}}
	if eventID != "" {
		fields = append(fields, slackField{Title: "Event ID", Value: eventID, Short: true})
	}
	fields = append(fields, slackField{Title: "Details", Value: reason, Short: false})

	msg := slackMessage{
		Text: "🚨 *LOG INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color:  "danger",
				Title:  "Stored batch failed verification",
				Fields: fields,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.active() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
