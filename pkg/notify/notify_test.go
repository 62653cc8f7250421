package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicPublishAndUnsubscribe(t *testing.T) {
	var topic Topic[AttachmentsChanged]
	var got []string

	unsubA := topic.Subscribe(func(ev AttachmentsChanged) { got = append(got, "a:"+ev.MessageID) })
	topic.Subscribe(func(ev AttachmentsChanged) { got = append(got, "b:"+ev.MessageID) })

	topic.Publish(AttachmentsChanged{MessageID: "m1"})
	unsubA()
	unsubA()
	topic.Publish(AttachmentsChanged{MessageID: "m2"})

	require.Equal(t, []string{"a:m1", "b:m1", "b:m2"}, got)
	require.Equal(t, 1, topic.Len())
}

func TestTopicUnsubscribeDuringPublish(t *testing.T) {
	var topic Topic[Notice]
	calls := 0
	var unsub func()
	unsub = topic.Subscribe(func(Notice) {
		calls++
		unsub()
	})
	topic.Publish(Notice{Op: "x"})
	topic.Publish(Notice{Op: "y"})
	require.Equal(t, 1, calls)
}
