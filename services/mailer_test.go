package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGateway(url string) *MailGatewayService {
	return &MailGatewayService{
		gatewayURL: url,
		apiToken:   "test-token",
		fromEmail:  "reminders@clinic.test",
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestMailGateway_Send(t *testing.T) {
	var received map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := testGateway(srv.URL)

	err := svc.Send("u1@clinic.test", "Due soon", "body text")
	require.NoError(t, err)

	assert.Equal(t, "u1@clinic.test", received["to"])
	assert.Equal(t, "reminders@clinic.test", received["from"])
	assert.Equal(t, "Due soon", received["subject"])
	assert.Equal(t, "body text", received["body"])
}

func TestMailGateway_SendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := testGateway(srv.URL)

	err := svc.Send("u1@clinic.test", "Due soon", "body text")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestMailGateway_NotConfigured(t *testing.T) {
	svc := &MailGatewayService{httpClient: http.DefaultClient}

	assert.False(t, svc.IsAvailable())
	assert.Error(t, svc.Send("u1@clinic.test", "s", "b"))
}

func TestMailGateway_IsAvailableCachesProbe(t *testing.T) {
	var probes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		probes++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := testGateway(srv.URL)

	assert.True(t, svc.IsAvailable())
	assert.True(t, svc.IsAvailable())
	assert.Equal(t, 1, probes)
}
