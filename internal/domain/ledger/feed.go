package ledger

import (
	"encoding/json"

	"github.com/ehr/devicelink/internal/platform/websocket"
)

// EventEntry is the feed event type carrying an entry snapshot.
const EventEntry = "ledger.entry"

// Publisher is the part of the websocket hub the feed needs.
type Publisher interface {
	Publish(ev websocket.Event, topics ...string)
}

// NewFeed returns a Listener that publishes each entry to the "ledger" topic,
// to "device/<id>" and, when the entry belongs to an order, to "order/<id>".
// The raw message is left out to keep frames small.
func NewFeed(p Publisher) Listener {
	return func(e *Entry) {
		snap := *e
		snap.RawMessage = ""
		data, err := json.Marshal(&snap)
		if err != nil {
			return
		}
		p.Publish(websocket.Event{Type: EventEntry, Data: data}, FeedTopics(e)...)
	}
}

// FeedTopics lists the topics an entry is published to.
func FeedTopics(e *Entry) []string {
	topics := []string{websocket.TopicAll, "device/" + e.DeviceID.String()}
	if e.OrderID != nil {
		topics = append(topics, "order/"+e.OrderID.String())
	}
	return topics
}
