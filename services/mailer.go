package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// NotificationChannel is the delivery boundary of the engine. Implementations
// send one templated message and report success or failure synchronously;
// transport-level retry is the channel's own business.
type NotificationChannel interface {
	Send(to, subject, body string) error
	IsAvailable() bool
}

// MailGatewayService sends email through the practice's mail gateway.
type MailGatewayService struct {
	gatewayURL string
	apiToken   string
	fromEmail  string
	httpClient *http.Client

	mu          sync.Mutex
	lastProbe   time.Time
	lastHealthy bool
}

// NewMailGatewayService creates a new MailGatewayService
func NewMailGatewayService() *MailGatewayService {
	return &MailGatewayService{
		gatewayURL: os.Getenv("MAIL_GATEWAY_URL"),
		apiToken:   os.Getenv("MAIL_GATEWAY_TOKEN"),
		fromEmail:  os.Getenv("MAIL_GATEWAY_FROM"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// IsConfigured returns true if the mail gateway is configured
func (s *MailGatewayService) IsConfigured() bool {
	return s.gatewayURL != ""
}

// IsAvailable probes the gateway health endpoint. The result is cached for a
// short period so a sweep over many instances does not hammer the gateway.
func (s *MailGatewayService) IsAvailable() bool {
	if !s.IsConfigured() {
		return false
	}

	s.mu.Lock()
	if time.Since(s.lastProbe) < 30*time.Second {
		healthy := s.lastHealthy
		s.mu.Unlock()
		return healthy
	}
	s.mu.Unlock()

	req, err := http.NewRequest("GET", s.gatewayURL+"/healthz", nil)
	if err != nil {
		return false
	}
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}

	resp, err := s.httpClient.Do(req)
	healthy := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	s.mu.Lock()
	s.lastProbe = time.Now()
	s.lastHealthy = healthy
	s.mu.Unlock()

	return healthy
}

// Send posts one message to the mail gateway.
func (s *MailGatewayService) Send(to, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("mail gateway not configured")
	}

	payload := map[string]interface{}{
		"to":      to,
		"from":    s.fromEmail,
		"subject": subject,
		"body":    body,
	}

	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal mail payload: %w", err)
	}

	req, err := http.NewRequest("POST", s.gatewayURL+"/api/mail/send", bytes.NewBuffer(jsonPayload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiToken)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mail gateway returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
