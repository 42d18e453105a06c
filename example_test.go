package ripple_test

import (
	"fmt"

	"github.com/civicstream/ripple"
	"github.com/civicstream/ripple/cfg"
	"github.com/civicstream/ripple/event"
	"github.com/civicstream/ripple/mux/transport"
)

func Example() {
	// Real deployments use ripple.New and a configured broker; the mock
	// transport stands in so this example is self-contained.
	mock := transport.NewMockTransport()

	config := cfg.Default()
	config.ClientID = 1

	client, err := ripple.NewWithTransport(config, mock)
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}
	defer client.Close()

	delivered := make(chan event.Change, 1)
	sub, err := client.Subscribe(ripple.SubscriptionConfig{
		Table:  "reports",
		Filter: "status=eq.open",
		OnInsert: func(ev event.Change) {
			delivered <- ev
		},
	})
	if err != nil {
		fmt.Println("subscribe failed:", err)
		return
	}
	defer sub.Close()

	mock.Emit(event.Change{
		Table: "reports",
		Op:    event.OpInsert,
		NewRow: event.Row{
			"id":     int64(17),
			"status": "open",
			"title":  "Pothole on 5th Avenue",
		},
	})

	ev := <-delivered
	fmt.Printf("%s on %s: %v\n", ev.Op, ev.Table, ev.NewRow["title"])
	// Output:
	// insert on reports: Pothole on 5th Avenue
}
