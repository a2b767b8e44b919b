package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// writeTimeout bounds each write on an otherwise unbounded connection.
const writeTimeout = 30 * time.Second

// client writes named SSE events to one connection and keeps per-event
// counts for the disconnect log.
type client struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger

	sent      map[string]int
	bytesSent int64
}

func newClient(w http.ResponseWriter, flusher http.Flusher, rc *http.ResponseController, logger *slog.Logger) *client {
	return &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		logger:  logger,
		sent:    make(map[string]int),
	}
}

// send writes v as one event:
//
//	event: <event>
//	id: <id>
//	data: {json}
//
// The id line is omitted when id is empty. Browsers echo the last id back
// in Last-Event-ID on reconnect.
func (c *client) send(event, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)

	if err := c.write(b.String()); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	c.sent[event]++
	return nil
}

// comment writes an SSE comment line, which clients ignore. Used for
// keepalives and the retry hint.
func (c *client) comment(text string) error {
	return c.write(": " + text + "\n\n")
}

// retry sets the client's reconnect delay.
func (c *client) retry(d time.Duration) error {
	return c.write(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func (c *client) write(s string) error {
	if err := c.rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		c.logger.Debug("could not set write deadline", "error", err)
	}
	n, err := io.WriteString(c.w, s)
	c.bytesSent += int64(n)
	if err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// total is the number of events sent, keepalives excluded.
func (c *client) total() int {
	n := 0
	for _, v := range c.sent {
		n += v
	}
	return n
}
