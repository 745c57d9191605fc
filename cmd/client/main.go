// Command client is a line-oriented test client for the relay.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

var (
	inStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	outStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	idStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD700"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	helpStyle = lipgloss.NewStyle().Faint(true)
)

const usage = `Commands:
  create <room> [lat lng]     create a room (or join it if it exists)
  join <room>                 join a room
  leave <room>                leave a room
  close <room>                close a room you host
  rooms                       list active rooms
  offer <target> <sdp>        send an offer
  answer <target> <sdp>       send an answer
  candidate <target> <json>   send an ICE candidate
  quit`

func main() {
	serverAddr := flag.String("addr", "localhost:3000", "server address")
	codecName := flag.String("codec", protocol.SubprotocolJSON, "subprotocol: relay.json, relay.msgpack or relay.proto")
	secure := flag.Bool("tls", false, "use wss://")
	flag.Parse()

	codec, err := protocol.CodecFor(*codecName)
	if err != nil {
		log.Fatalf("Codec: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	if *secure {
		u.Scheme = "wss"
	}

	dialer := websocket.Dialer{Subprotocols: []string{codec.Name()}}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	log.Printf("📡 Connected to %s (%s)", u.String(), codec.Name())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}
			env, err := codec.Decode(frame)
			if err != nil {
				log.Printf("⚠️  Invalid message: %v", err)
				continue
			}
			printEvent(env)
		}
	}()

	fmt.Println(helpStyle.Render(usage))

	frameType := websocket.TextMessage
	if codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" {
			break
		}

		env, err := parseCommand(line)
		if err != nil {
			fmt.Println(errStyle.Render(err.Error()))
			continue
		}
		frame, err := codec.Encode(env)
		if err != nil {
			log.Printf("Encode error: %v", err)
			continue
		}
		if err := conn.WriteMessage(frameType, frame); err != nil {
			log.Printf("Write error: %v", err)
			break
		}
		fmt.Println(outStyle.Render(fmt.Sprintf("📤 %s %s", env.Event, env.Data)))
	}

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
	log.Println("👋 Goodbye!")
}

func printEvent(env protocol.Envelope) {
	if env.Event == protocol.EventWelcome {
		var w protocol.Welcome
		if err := json.Unmarshal(env.Data, &w); err == nil {
			fmt.Println(inStyle.Render("✅ welcome, connection id ") + idStyle.Render(w.ConnectionID))
			return
		}
	}
	fmt.Println(inStyle.Render(fmt.Sprintf("📥 %s %s", env.Event, env.Data)))
}

func parseCommand(line string) (protocol.Envelope, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "rooms":
		return protocol.NewEnvelope(protocol.EventGetRooms, nil)

	case "create":
		if len(args) != 1 && len(args) != 3 {
			return protocol.Envelope{}, fmt.Errorf("usage: create <room> [lat lng]")
		}
		req := protocol.SendRoom{RoomID: args[0]}
		if len(args) == 3 {
			lat, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return protocol.Envelope{}, fmt.Errorf("lat: %w", err)
			}
			lng, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return protocol.Envelope{}, fmt.Errorf("lng: %w", err)
			}
			req.Location = &protocol.Location{Lat: lat, Lng: lng}
		}
		return protocol.NewEnvelope(protocol.EventSendRoom, req)

	case "join", "leave", "close":
		if len(args) != 1 {
			return protocol.Envelope{}, fmt.Errorf("usage: %s <room>", cmd)
		}
		event := map[string]string{
			"join":  protocol.EventJoinRoom,
			"leave": protocol.EventLeaveRoom,
			"close": protocol.EventCloseRoom,
		}[cmd]
		return protocol.NewEnvelope(event, map[string]string{"roomId": args[0]})

	case "offer", "answer":
		if len(args) < 2 {
			return protocol.Envelope{}, fmt.Errorf("usage: %s <target> <sdp>", cmd)
		}
		sdp := strings.Join(args[1:], " ")
		return protocol.NewEnvelope(cmd, map[string]any{
			"targetConnectionId": args[0],
			"sdp":                map[string]string{"type": cmd, "sdp": sdp},
		})

	case "candidate":
		if len(args) < 2 {
			return protocol.Envelope{}, fmt.Errorf("usage: candidate <target> <json>")
		}
		candidate := json.RawMessage(strings.Join(args[1:], " "))
		if !json.Valid(candidate) {
			return protocol.Envelope{}, fmt.Errorf("candidate must be JSON")
		}
		return protocol.NewEnvelope(protocol.EventIceCandidate, map[string]any{
			"targetConnectionId": args[0],
			"candidate":          candidate,
		})

	case "help":
		return protocol.Envelope{}, fmt.Errorf("%s", usage)
	}
	return protocol.Envelope{}, fmt.Errorf("unknown command %q (try help)", cmd)
}
