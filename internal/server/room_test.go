package server

import (
	"testing"

	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestDerive(t *testing.T) {
	t.Run("symmetric", func(t *testing.T) {
		for a := 1; a <= 20; a++ {
			for b := 1; b <= 20; b++ {
				if a == b {
					continue
				}
				assert.Equal(t, Derive(a, b), Derive(b, a), "expected derive(%d,%d) to be symmetric", a, b)
			}
		}
	})

	tcases := []struct {
		a, b     int
		expected string
	}{
		{5, 3, "chat_3_5"},
		{3, 5, "chat_3_5"},
		{1, 2, "chat_1_2"},
		{10, 9, "chat_9_10"},
	}

	for _, tc := range tcases {
		assert.Equal(t, tc.expected, Derive(tc.a, tc.b), "expected room id for (%d,%d)", tc.a, tc.b)
	}
}

func TestRoomsJoinLeave(t *testing.T) {
	rooms := NewRooms(testutil.TestLogger(t))
	s1 := newTestSink("t1")
	s2 := newTestSink("t2")

	rooms.Join("chat_1_2", s1)
	rooms.Join("chat_1_2", s2)
	rooms.Join("chat_1_3", s1)

	assert.True(t, rooms.IsMember("chat_1_2", "t1"), "expected t1 in chat_1_2")
	assert.Equal(t, 2, rooms.Members("chat_1_2"), "expected two members")

	rooms.Leave("chat_1_2", "t2")
	assert.False(t, rooms.IsMember("chat_1_2", "t2"), "expected t2 to have left")
	assert.Equal(t, 1, rooms.Members("chat_1_2"), "expected one member")

	left := rooms.LeaveAll("t1")
	assert.ElementsMatch(t, []string{"chat_1_2", "chat_1_3"}, left, "expected t1 to leave both rooms")
	assert.Equal(t, 0, rooms.Members("chat_1_2"), "expected room to be empty")
	assert.Empty(t, rooms.members, "expected empty rooms to be removed")
	assert.Empty(t, rooms.joined, "expected transport index to be empty")
}

func TestRoomsBroadcast(t *testing.T) {
	rooms := NewRooms(testutil.TestLogger(t))
	s1 := newTestSink("t1")
	s2 := newTestSink("t2")
	s3 := newTestSink("t3")
	full := newTestSink("t4")
	full.reject = true

	rooms.Join("chat_1_2", s1)
	rooms.Join("chat_1_2", s2)
	rooms.Join("chat_1_2", full)
	rooms.Join("chat_1_3", s3)

	sent := rooms.Broadcast("chat_1_2", UserTypingMsg(identityAlice), "t1")
	assert.Equal(t, 1, sent, "expected one accepted delivery")
	assert.Empty(t, s1.Messages(), "expected skipped transport to get nothing")
	assert.Equal(t, []string{EventUserTyping}, s2.Events(), "expected member to get the message")
	assert.Empty(t, s3.Messages(), "expected other room to get nothing")

	assert.Equal(t, 0, rooms.Broadcast("missing", UserTypingMsg(identityAlice), ""), "expected no delivery to unknown room")
}
