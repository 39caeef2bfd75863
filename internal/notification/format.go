// Package notification renders change notifications and delivers them to
// destinations chosen by URL scheme.
package notification

import (
	"encoding/json"
	"strings"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// Default templates applied when a job carries none.
const (
	DefaultTitle = "ChangeWatch Notification - {watch_url}"
	DefaultBody  = "{watch_url} had a change.\n---\n{diff}\n---\n"
)

// Message is a notification with placeholders substituted.
type Message struct {
	WatchID  string       `json:"uuid"`
	WatchURL string       `json:"watch_url"`
	Title    string       `json:"title"`
	Body     string       `json:"message"`
	Format   watch.Format `json:"format"`
}

// Render substitutes the job's placeholders into its title and body.
func Render(job watch.NotificationJob) Message {
	title := job.Title
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	body := job.Body
	if strings.TrimSpace(body) == "" {
		body = DefaultBody
	}
	format := job.Format
	if !format.Valid() {
		format = watch.FormatText
	}

	r := strings.NewReplacer(
		"{watch_url}", job.WatchURL,
		"{watch_uuid}", job.WatchID,
		"{diff}", job.Diff,
		"{diff_full}", job.DiffFull,
		"{current_snapshot}", job.CurrentSnapshot,
	)
	body = r.Replace(body)
	if format == watch.FormatHTML {
		body = strings.ReplaceAll(body, "\n", "<br>")
	}
	return Message{
		WatchID:  job.WatchID,
		WatchURL: job.WatchURL,
		Title:    r.Replace(title),
		Body:     body,
		Format:   format,
	}
}

func (m Message) payload() ([]byte, error) {
	return json.Marshal(m)
}
