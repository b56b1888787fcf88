//go:build integration

package pulse_test

import (
	"context"
	"os"
	"testing"
	"time"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

// These tests run against a live server:
//
//	PULSE_INTEGRATION_URL=https://api.example.com \
//	PULSE_INTEGRATION_TOKEN=... go test -tags integration ./...

func liveSession(t *testing.T) *pulse.Session {
	t.Helper()
	base := os.Getenv("PULSE_INTEGRATION_URL")
	token := os.Getenv("PULSE_INTEGRATION_TOKEN")
	if base == "" || token == "" {
		t.Skip("PULSE_INTEGRATION_URL and PULSE_INTEGRATION_TOKEN are required")
	}
	s, err := pulse.NewSession(pulse.SessionConfig{BaseURL: base, Token: token})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func TestIntegration_ConnectAndResync(t *testing.T) {
	s := liveSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connected := make(chan pulse.ConnectedEvent, 1)
	pulse.Subscribe(s.Dispatcher, func(e pulse.ConnectedEvent) { connected <- e })

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case e := <-connected:
		t.Logf("connected as %s", e.UserID)
	case <-ctx.Done():
		t.Fatal("no connected event")
	}
	if s.State() != pulse.StateConnected {
		t.Errorf("state = %s", s.State())
	}
	t.Logf("contacts=%d requests=%d groups=%d conversations=%d unread=%d",
		len(s.Contacts.Contacts()), len(s.Contacts.Requests()), len(s.Groups.Groups()),
		len(s.Messaging.Conversations()), s.Notifications.UnreadCount())

	for _, st := range []interface{ Err() string }{s.Contacts, s.Groups, s.Messaging, s.Notifications} {
		if msg := st.Err(); msg != "" {
			t.Errorf("store error: %s", msg)
		}
	}
}

func TestIntegration_ReconnectAfterDisconnect(t *testing.T) {
	s := liveSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Disconnect()
	if s.State() != pulse.StateDisconnected {
		t.Fatalf("state after Disconnect = %s", s.State())
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if s.State() != pulse.StateConnected {
		t.Errorf("state = %s", s.State())
	}
}
