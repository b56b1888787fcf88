package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// ============================================================================
// Test Helpers
// ============================================================================

func writeEnvelope(w http.ResponseWriter, status int, data any, page *Pagination) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{Success: true, Data: raw, Pagination: page})
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{Error: &APIError{Code: code, Message: message}})
}

func newTestClient(t *testing.T, h http.Handler, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithBaseURL(srv.URL), WithLogger(quietLogger())}, opts...)
	return NewClient("test-token", opts...)
}

// ============================================================================
// Requests
// ============================================================================

func TestClientDecodesData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("status"); got != "accepted" {
			t.Errorf("status query = %q", got)
		}
		writeEnvelope(w, http.StatusOK, []Contact{{ID: "c1", Status: ContactAccepted}}, nil)
	})
	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("search") != "go" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		writeEnvelope(w, http.StatusOK, []Group{{ID: "g1"}}, &Pagination{CurrentPage: 2, TotalPages: 3, HasNext: true})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	contacts, err := c.Contacts.List(ctx, ContactAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ID != "c1" {
		t.Errorf("contacts = %+v", contacts)
	}

	groups, page, err := c.Groups.List(ctx, GroupQuery{Page: 2, Search: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || page == nil || !page.HasNext || page.CurrentPage != 2 {
		t.Errorf("groups = %+v, page = %+v", groups, page)
	}

	c.SetToken("")
	mux.HandleFunc("GET /api/users/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("empty token must not send a header")
		}
		writeEnvelope(w, http.StatusOK, []User{}, nil)
	})
	if _, err := c.Users.Search(ctx, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestClientErrorKinds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/contacts", func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusConflict, "DUPLICATE", "contact request already pending")
	})
	mux.HandleFunc("GET /api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusInternalServerError, "INTERNAL", "db down")
	})
	mux.HandleFunc("PUT /api/notifications/mark-all-read", func(w http.ResponseWriter, r *http.Request) {
		// 200 with an unsuccessful envelope still fails.
		writeFailure(w, http.StatusOK, "NOPE", "rejected")
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	t.Run("validation", func(t *testing.T) {
		_, err := c.Contacts.Add(ctx, AddContactInput{UserID: "u2"})
		var re *RequestError
		if !errors.As(err, &re) {
			t.Fatalf("err = %T %v", err, err)
		}
		if re.Kind() != KindValidation || re.Status != http.StatusConflict || re.Code != "DUPLICATE" {
			t.Errorf("unexpected error %+v", re)
		}
		if re.Error() != "POST /contacts: 409 contact request already pending" {
			t.Errorf("Error() = %q", re.Error())
		}
	})

	t.Run("server", func(t *testing.T) {
		_, err := c.Notifications.UnreadCount(ctx)
		if ErrorKindOf(err) != KindServer {
			t.Errorf("kind = %q (%v)", ErrorKindOf(err), err)
		}
	})

	t.Run("unsuccessful envelope", func(t *testing.T) {
		err := c.Notifications.MarkAllRead(ctx)
		var re *RequestError
		if !errors.As(err, &re) || re.Status != http.StatusBadRequest || re.Kind() != KindValidation {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("network", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		nc := NewClient("t", WithBaseURL(dead.URL), WithLogger(quietLogger()))
		_, err := nc.Contacts.List(ctx, "")
		if ErrorKindOf(err) != KindNetwork {
			t.Errorf("kind = %q (%v)", ErrorKindOf(err), err)
		}
	})

	if ErrorKindOf(errors.New("plain")) != "" {
		t.Error("non-request errors have no kind")
	}
}

func TestClientUnauthorizedHook(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusUnauthorized, "UNAUTHORIZED", "token expired")
	}), WithUnauthorizedHandler(func() { calls++ }))

	_, err := c.Contacts.List(context.Background(), ContactPending)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("errors.Is(err, ErrUnauthorized) = false for %v", err)
	}
	if calls != 1 {
		t.Errorf("hook calls = %d, want 1", calls)
	}

	c.SetUnauthorizedHandler(nil)
	if _, err := c.Contacts.List(context.Background(), ContactPending); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Error("removed hook was called")
	}
}

// ============================================================================
// Instrumentation
// ============================================================================

func TestClientTracingAndMetrics(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "bad" {
			writeFailure(w, http.StatusInternalServerError, "INTERNAL", "boom")
			return
		}
		writeEnvelope(w, http.StatusOK, Group{ID: r.PathValue("id")}, nil)
	})
	c := newTestClient(t, mux, WithTracerProvider(tp), WithMetrics(metrics))

	if _, err := c.Groups.Get(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Groups.Get(context.Background(), "bad"); err == nil {
		t.Fatal("expected error")
	}

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		m := map[attribute.Key]attribute.Value{}
		for _, kv := range s.Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}

	ok := spans[0]
	if ok.Name() != "pulse.GET" {
		t.Errorf("span name = %q", ok.Name())
	}
	a := attrs(ok)
	if a["url.path"].AsString() != "/api/groups/g1" || a["http.response.status_code"].AsInt64() != 200 {
		t.Errorf("attributes = %v", a)
	}
	if ok.Status().Code == codes.Error {
		t.Error("successful call marked as error")
	}

	failed := spans[1]
	if failed.Status().Code != codes.Error {
		t.Errorf("failed span status = %v", failed.Status())
	}
	if len(failed.Events()) == 0 {
		t.Error("expected the error to be recorded on the span")
	}

	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("GET", "ok")); got != 1 {
		t.Errorf("requests ok = %v", got)
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues("GET", string(KindServer))); got != 1 {
		t.Errorf("requests server = %v", got)
	}
}
