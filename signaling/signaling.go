// Package signaling implements the per-camera control channel to the
// streaming media server.  Control messages are small JSON frames of
// shape {type, value}; media segments for the buffered-segment
// strategy arrive as binary frames on the same websocket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrChannelClosed = errors.New("channel is closed")

// Message types understood by the server: "webrtc/offer",
// "webrtc/answer", "webrtc/candidate", "mse" and "error".
type Message struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

type closeMessage struct {
	data []byte
}

type Channel struct {
	ws         *websocket.Conn
	writeCh    chan interface{}
	writerDone chan struct{}
	messages   chan Message
	binary     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

// Dial opens the signaling channel for a single camera.  The URL
// carries the camera identifier as a query parameter; it is built by
// the caller.
func Dial(ctx context.Context, url string) (*Channel, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		ws:         ws,
		writeCh:    make(chan interface{}, 25),
		writerDone: make(chan struct{}),
		messages:   make(chan Message, 8),
		binary:     make(chan []byte, 32),
		done:       make(chan struct{}),
	}
	go channelWriter(ws, ch.writeCh, ch.writerDone)
	go ch.reader()
	return ch, nil
}

func (ch *Channel) reader() {
	defer close(ch.messages)
	defer close(ch.binary)
	for {
		t, data, err := ch.ws.ReadMessage()
		if err != nil {
			return
		}
		switch t {
		case websocket.TextMessage:
			var m Message
			err := json.Unmarshal(data, &m)
			if err != nil {
				log.Printf("signaling: %v", err)
				continue
			}
			select {
			case ch.messages <- m:
			case <-ch.done:
				return
			}
		case websocket.BinaryMessage:
			select {
			case ch.binary <- data:
			case <-ch.done:
				return
			}
		}
	}
}

func channelWriter(ws *websocket.Conn, ch <-chan interface{}, done chan<- struct{}) {
	defer func() {
		close(done)
		ws.Close()
	}()
	for v := range ch {
		var err error
		switch v := v.(type) {
		case Message:
			err = ws.WriteJSON(v)
		case closeMessage:
			ws.WriteMessage(websocket.CloseMessage, v.data)
			return
		default:
			log.Printf("unexpected message %T", v)
			return
		}
		if err != nil {
			return
		}
	}
}

// Write queues a control message.  It fails once the channel is
// closed or the peer has gone away.
func (ch *Channel) Write(m Message) error {
	select {
	case ch.writeCh <- m:
		return nil
	case <-ch.writerDone:
		return ErrChannelClosed
	}
}

// Messages returns the stream of control messages.  The channel is
// closed when the connection dies.
func (ch *Channel) Messages() <-chan Message {
	return ch.messages
}

// Binary returns the stream of binary media segments.  The channel is
// closed when the connection dies.
func (ch *Channel) Binary() <-chan []byte {
	return ch.binary
}

func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		close(ch.done)
		m := closeMessage{
			websocket.FormatCloseMessage(
				websocket.CloseNormalClosure, "",
			),
		}
		select {
		case ch.writeCh <- m:
		case <-ch.writerDone:
		}
		ch.ws.Close()
	})
	return nil
}
