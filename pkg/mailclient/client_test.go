package mailclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", zerolog.Nop())
}

func TestListIdentitiesDropsInvalidEntries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/identities" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", auth)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"identities": []map[string]any{
				{"alias": "RedDoor", "display_name": "Red Door"},
				{"alias": "", "display_name": "Nameless"},
				{"alias": "BlueLamp", "display_name": "Blue Lamp"},
			},
		})
	})

	entries, err := client.ListIdentities(context.Background())
	if err != nil {
		t.Fatalf("list identities: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(entries))
	}
	if entries[0].Alias != "RedDoor" || entries[1].Alias != "BlueLamp" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestFetchInboxPassesCursor(t *testing.T) {
	var gotSince string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"message_id": "9", "sender": "GreenCastle", "subject": "sync", "body": "checkpoint",
					"recipients": []string{"RedDoor", "BlueLamp"}},
				{"message_id": "", "sender": "junk"},
			},
		})
	})

	messages, err := client.FetchInbox(context.Background(), "RedDoor", "7")
	if err != nil {
		t.Fatalf("fetch inbox: %v", err)
	}
	if gotSince != "7" {
		t.Fatalf("expected since=7, got %q", gotSince)
	}
	if len(messages) != 1 || messages[0].ID != "9" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestRegisterIdentityReturnsAssignedAlias(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["desired_name"] != "Red Door" {
			t.Errorf("unexpected desired_name %v", req["desired_name"])
		}
		// The service does not have to honor the requested name.
		_ = json.NewEncoder(w).Encode(map[string]string{"assigned_alias": "RedDoor-2"})
	})

	alias, err := client.RegisterIdentity(context.Background(), "Red Door", map[string]string{"kind": "bridge"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if alias != "RedDoor-2" {
		t.Fatalf("expected assigned alias RedDoor-2, got %q", alias)
	}
}

func TestFetchInboxUnknownIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.FetchInbox(context.Background(), "Ghost", "")
	if !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}
