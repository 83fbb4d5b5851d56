package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/regwatch/internal/crawler"
)

func TestNewMessageCarriesEventType(t *testing.T) {
	t.Parallel()

	msg, err := NewMessage(crawler.TopicCrawlCompleted, crawler.CrawlCompletedEvent{JobID: "job-1", ItemsNew: 2})
	require.NoError(t, err)
	require.Equal(t, crawler.TopicCrawlCompleted, msg.Attributes[EventTypeAttribute])

	var decoded crawler.CrawlCompletedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.Equal(t, "job-1", decoded.JobID)
	require.Equal(t, 2, decoded.ItemsNew)
}

func TestNewMessageRejectsUnmarshalable(t *testing.T) {
	t.Parallel()

	_, err := NewMessage("x", make(chan int))
	require.Error(t, err)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "x", struct{}{})
	require.Error(t, err)
}
