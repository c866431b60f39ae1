package realtime

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

// Handler serves the sockjs endpoint under prefix. A new client receives
// nothing until it subscribes to a venue.
func Handler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		client.Subscription = Subscription{VenueID: unsubscribedVenue}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" || parsed.VenueID == "" {
				h.UpdateSubscription(client, Subscription{VenueID: unsubscribedVenue})
				continue
			}
			h.UpdateSubscription(client, Subscription{
				VenueID:  parsed.VenueID,
				BranchID: parsed.BranchID,
				WorkerID: parsed.WorkerID,
			})
		}
	})
}

// unsubscribedVenue matches no real venue id, so idle clients receive
// nothing.
const unsubscribedVenue = "\x00"
