package dispatcher

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notification is what a push event asks the user agent to display.
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Vibrate []int  `json:"vibrate"`
	Tag     string `json:"tag"`
}

// Notifier shows notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Info().
		Str("title", n.Title).
		Str("body", n.Body).
		Str("tag", n.Tag).
		Msg("Notification")
	return nil
}

// Sync handles a background sync event. Only the configured tag is
// recognised and its handling is limited to a log line; other tags are
// ignored.
func (d *Dispatcher) Sync(_ context.Context, tag string) {
	if tag != d.cfg.SyncTag {
		log.Debug().Str("tag", tag).Msg("Ignoring sync event")
		return
	}
	d.metrics.ObserveEvent("sync")
	log.Info().Str("tag", tag).Msg("Background sync triggered")
}

// Push shows a notification for a push event. An empty payload falls back to
// the default body.
func (d *Dispatcher) Push(ctx context.Context, payload []byte) (Notification, error) {
	body := string(payload)
	if len(payload) == 0 {
		body = d.push.DefaultBody
	}
	n := Notification{
		Title:   d.push.Title,
		Body:    body,
		Icon:    d.push.Icon,
		Badge:   d.push.Badge,
		Vibrate: append([]int(nil), d.push.Vibrate...),
		Tag:     d.push.Tag,
	}
	d.metrics.ObserveEvent("push")
	return n, d.notifier.Notify(ctx, n)
}
