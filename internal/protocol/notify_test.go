package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyChannelDropsUntilTied(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	channel := &NotifyChannel{nonce: "abc", conn: server, out: make(chan string, 8), done: make(chan struct{})}

	channel.send("1 state open")
	select {
	case <-channel.out:
		t.Fatal("an untied channel must not receive event-change lines")
	default:
	}

	channel.Tie()
	channel.send("1 state open")
	select {
	case line := <-channel.out:
		assert.Equal(t, "1 state open", line)
	default:
		t.Fatal("a tied channel must receive event-change lines")
	}
}

func TestNotifyServerBroadcastRespectsTieState(t *testing.T) {
	channel := &NotifyChannel{nonce: "abc", out: make(chan string, 8), done: make(chan struct{})}
	s := &NotifyServer{byNonce: map[string]*NotifyChannel{"abc": channel}}

	s.broadcast("2 state closed")
	require.Empty(t, channel.out)

	channel.Tie()
	s.broadcast("2 state closed")
	require.Len(t, channel.out, 1)
}
