package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/tablesync/pkg/models"
)

// Message is the channel-neutral rendering of something worth telling staff.
type Message struct {
	Subject string
	Text    string
}

// RenderOrder builds the summary sent for a freshly placed order.
func RenderOrder(order models.Order) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\n", order.TableNumber)
	fmt.Fprintf(&b, "Order: %s\n", order.ID)
	fmt.Fprintf(&b, "Time: %s\n\n", order.Timestamp.Format(time.DateTime))
	for _, item := range order.Items {
		fmt.Fprintf(&b, "- %s x%d (%s)\n", item.Name, item.Quantity, models.FormatYen(item.PriceValue*float64(item.Quantity)))
	}
	fmt.Fprintf(&b, "\nTotal: %s", models.FormatYen(order.TotalAmount))

	return Message{
		Subject: fmt.Sprintf("New order: table %s", order.TableNumber),
		Text:    b.String(),
	}
}

// TestMessage checks a channel's configuration end to end.
func TestMessage() Message {
	return Message{
		Subject: "tablesync notification test",
		Text:    "This is a test notification. If you can read it, this channel is configured correctly.",
	}
}
