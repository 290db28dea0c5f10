package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/guffghar-rt/internal/proto"
)

// ws_smoke connects with a bearer token, joins a chat, sends one message and
// prints every frame until the message comes back.
func main() {
	addr := flag.String("addr", "ws://localhost:3001/ws", "WebSocket address")
	token := flag.String("token", "", "bearer token (see: guffghar-rt token <user>)")
	chat := flag.String("chat", "", "chat id to join")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" || *chat == "" {
		log.Fatal("-token and -chat are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	conn, _, err := websocket.Dial(ctx, *addr, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	mustSend := func(event string, data any) {
		payload, _ := json.Marshal(data)
		if err := wsjson.Write(ctx, conn, proto.Inbound{Event: event, Data: payload}); err != nil {
			log.Fatalf("send: %v", err)
		}
	}

	mustSend(proto.InboundJoinChat, proto.ChatRef{ChatID: *chat})
	mustSend(proto.InboundSendMessage, proto.SendMessageData{ChatID: *chat, Content: *text})

	for {
		var outbound struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			log.Fatalf("read: %v", err)
		}
		fmt.Printf("event=%s data=%s\n", outbound.Event, string(outbound.Data))

		switch outbound.Event {
		case proto.OutboundError:
			return
		case "new_message":
			var msg proto.Message
			if err := json.Unmarshal(outbound.Data, &msg); err == nil && msg.Content == *text {
				fmt.Printf("round trip ok: id=%s\n", msg.ID)
				return
			}
		}
	}
}
