package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LemmyAI/roomrelay/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line  string
		event string
		data  string
	}{
		{"rooms", protocol.EventGetRooms, ""},
		{"create lobby", protocol.EventSendRoom, `{"roomId":"lobby"}`},
		{"create lobby 37.5 127", protocol.EventSendRoom, `{"roomId":"lobby","location":{"lat":37.5,"lng":127}}`},
		{"join lobby", protocol.EventJoinRoom, `{"roomId":"lobby"}`},
		{"close lobby", protocol.EventCloseRoom, `{"roomId":"lobby"}`},
		{"offer peer-b v=0 o=-", protocol.EventOffer, `{"targetConnectionId":"peer-b","sdp":{"type":"offer","sdp":"v=0 o=-"}}`},
		{`candidate peer-b {"candidate":"c1"}`, protocol.EventIceCandidate, `{"targetConnectionId":"peer-b","candidate":{"candidate":"c1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			env, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.event, env.Event)
			if tt.data == "" {
				assert.Empty(t, env.Data)
				return
			}
			assert.JSONEq(t, tt.data, string(env.Data))
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	for _, line := range []string{
		"create",
		"create lobby 37.5",
		"create lobby north east",
		"join",
		"offer peer-b",
		"candidate peer-b not-json",
		"dance",
	} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}
}
