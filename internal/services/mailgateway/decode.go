package mailgateway

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mnako/letters"
)

// Decode parses a raw RFC 822 message. received, when set, is the
// provider's own arrival time and wins over the Date header.
func Decode(id string, raw []byte, received time.Time) (Message, error) {
	parser := letters.NewEmailParser(letters.WithFileFilter(letters.NoFiles))
	email, err := parser.Parse(bytes.NewReader(raw))
	if err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}

	msg := Message{
		ID:         id,
		Subject:    strings.TrimSpace(email.Headers.Subject),
		Body:       email.Text,
		ReceivedAt: received,
	}
	if strings.TrimSpace(msg.Body) == "" {
		msg.Body = email.HTML
	}
	if len(email.Headers.From) > 0 && email.Headers.From[0] != nil {
		from := email.Headers.From[0]
		msg.From = from.Address
		if from.Name != "" {
			msg.From = fmt.Sprintf("%s <%s>", from.Name, from.Address)
		}
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = email.Headers.Date
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()
	return msg, nil
}
