package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusAdvances(t *testing.T) {
	require.True(t, StatusSending.Advances(StatusSent))
	require.True(t, StatusSent.Advances(StatusRead))
	require.False(t, StatusRead.Advances(StatusDelivered))
	require.False(t, StatusDelivered.Advances(StatusDelivered))

	require.True(t, StatusSending.Advances(StatusFailed))
	require.False(t, StatusSent.Advances(StatusFailed))
	require.True(t, StatusFailed.Advances(StatusSent))
	require.False(t, StatusSent.Advances(StatusUnknown))
}

func TestStatusRejectsUnknownName(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"id":"m1","status":"teleported"}`), &msg)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"id":"m1"}`), &msg)
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, msg.Status)
}

func TestReactionSetWith(t *testing.T) {
	var r ReactionSet
	added := r.With("👍", "alice", true)
	require.True(t, added.Has("👍", "alice"))
	require.Nil(t, r, "With must not mutate the receiver")

	both := added.With("👍", "bob", true)
	require.Equal(t, 2, both.Count("👍"))
	require.Equal(t, 1, added.Count("👍"))

	removed := both.With("👍", "alice", false).With("👍", "bob", false)
	_, ok := removed["👍"]
	require.False(t, ok, "empty emoji entries are dropped")
}

func TestReactionsWireForm(t *testing.T) {
	msg := Message{
		ID:        "m1",
		Reactions: ReactionSet{"🎉": NewUserSet("zed", "amy")},
		SeenBy:    NewUserSet("bob"),
	}
	data, err := json.Marshal(&msg)
	require.NoError(t, err)
	require.Contains(t, string(data), `"reactions":{"🎉":["amy","zed"]}`)
	require.Contains(t, string(data), `"seenBy":["bob"]`)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.Reactions.Has("🎉", "amy"))
	require.True(t, decoded.SeenBy.Has("bob"))
}

func TestIsEdited(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{CreatedAt: created, UpdatedAt: created.Add(300 * time.Millisecond)}
	require.False(t, msg.IsEdited(DefaultEditedThreshold))
	msg.UpdatedAt = created.Add(5 * time.Second)
	require.True(t, msg.IsEdited(DefaultEditedThreshold))
}

func TestCloneIsDeep(t *testing.T) {
	idx := 1
	msg := &Message{
		ID:          "m1",
		Attachments: []Attachment{{SourceURL: "https://cdn/a.mp4"}},
		Reactions:   ReactionSet{"👍": NewUserSet("alice")},
		ReplyRef:    &ReplyRef{MessageID: "m0", AttachmentIndex: &idx},
	}
	cp := msg.Clone()
	cp.Attachments[0].SourceURL = "changed"
	cp.Reactions["👍"]["bob"] = struct{}{}
	*cp.ReplyRef.AttachmentIndex = 7

	require.Equal(t, "https://cdn/a.mp4", msg.Attachments[0].SourceURL)
	require.False(t, msg.Reactions.Has("👍", "bob"))
	require.Equal(t, 1, *msg.ReplyRef.AttachmentIndex)
}

func TestSortBreaksTiesByKey(t *testing.T) {
	ts := time.Unix(100, 0)
	msgs := []*Message{
		{ID: "b", CreatedAt: ts},
		{ID: "c", CreatedAt: ts.Add(-time.Second)},
		{ID: "a", CreatedAt: ts},
	}
	Sort(msgs)
	require.Equal(t, "c", msgs[0].ID)
	require.Equal(t, "a", msgs[1].ID)
	require.Equal(t, "b", msgs[2].ID)
}
