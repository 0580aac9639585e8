package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestChannelRoundtrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("Upgrade: %v", err)
				return
			}
			defer ws.Close()
			var m Message
			err = ws.ReadJSON(&m)
			if err != nil {
				t.Errorf("ReadJSON: %v", err)
				return
			}
			if m.Type != "webrtc/offer" || m.Value != "v=0" {
				t.Errorf("Got %v %v", m.Type, m.Value)
			}
			ws.WriteJSON(Message{
				Type:  "webrtc/answer",
				Value: "v=0 answer",
			})
			ws.WriteMessage(websocket.BinaryMessage,
				[]byte{1, 2, 3})
			// wait for the client to close
			ws.ReadMessage()
		}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	err = ch.Write(Message{Type: "webrtc/offer", Value: "v=0"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case m := <-ch.Messages():
		if m.Type != "webrtc/answer" {
			t.Errorf("Got %v, expected webrtc/answer", m.Type)
		}
	case <-ctx.Done():
		t.Fatalf("no answer")
	}

	select {
	case data := <-ch.Binary():
		if len(data) != 3 || data[0] != 1 {
			t.Errorf("Got %v", data)
		}
	case <-ctx.Done():
		t.Fatalf("no binary frame")
	}
}

func TestChannelClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			ws.Close()
		}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Dial(ctx, wsURL(server))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	// the messages channel must be closed once the peer goes away
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case _, ok := <-ch.Messages():
		if ok {
			t.Errorf("Expected closed channel")
		}
	case <-timer.C:
		t.Fatalf("messages channel not closed")
	}

	ch.Close()
	// a write after close on a dead peer eventually fails; allow the
	// writer some time to drain
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err = ch.Write(Message{Type: "mse"})
		if err != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err == nil {
		t.Errorf("Expected error writing to closed channel")
	}
}
