package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quickbet/settlement/internal/api"
	"github.com/quickbet/settlement/internal/events"
)

func TestWSHub_BroadcastsEvents(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := events.New(events.WagerOpened, "alice", time.Unix(1_700_000_000, 0), map[string]int{"stake": 100})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != ev.ID || got.Type != events.WagerOpened || got.User != "alice" {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := api.NewWSHub() // not running: nothing drains the buffer

	ev := events.New(events.PriceUpdate, "", time.Now(), nil)
	var busy int
	for i := 0; i < 300; i++ {
		if err := hub.Publish(context.Background(), ev); err == api.ErrHubBusy {
			busy++
		}
	}
	if busy != 300-256 {
		t.Errorf("expected %d dropped events, got %d", 300-256, busy)
	}
}
