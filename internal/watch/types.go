// Package watch defines the core types and contracts shared by the scheduler,
// workers, fetchers, registries and the notification dispatcher.
package watch

import (
	"math"
	"net/http"
	"slices"
	"time"
)

// Format selects how notification bodies are rendered.
type Format string

// Supported notification formats.
const (
	FormatText     Format = "Text"
	FormatHTML     Format = "HTML"
	FormatMarkdown Format = "Markdown"
)

// Valid reports whether f is one of the known formats.
func (f Format) Valid() bool {
	switch f {
	case FormatText, FormatHTML, FormatMarkdown:
		return true
	default:
		return false
	}
}

// LineSeparator returns the separator used when joining diff lines for f.
func (f Format) LineSeparator() string {
	if f == FormatHTML {
		return "<br>"
	}
	return "\n"
}

// Fetch strategy identifiers.
const (
	StrategyRequests  = "html_requests"
	StrategyWebdriver = "html_webdriver"
)

// DefaultMinutesBetweenCheck is used when neither the watch nor the settings
// provide an interval.
const DefaultMinutesBetweenCheck = 180

// HistoryEntry points at one stored snapshot.
type HistoryEntry struct {
	Timestamp  int64  `json:"timestamp"`
	ContentRef string `json:"content_ref"`
}

// Watch is a monitored resource and its check state.
type Watch struct {
	ID                  string            `json:"uuid"`
	URL                 string            `json:"url"`
	MinutesBetweenCheck *int              `json:"minutes_between_check,omitempty"`
	Paused              bool              `json:"paused"`
	FetchStrategy       string            `json:"fetch_backend"`
	Headers             map[string]string `json:"headers,omitempty"`
	IgnoreText          []string          `json:"ignore_text,omitempty"`
	CSSFilter           string            `json:"css_filter,omitempty"`
	Tag                 string            `json:"tag,omitempty"`
	NotificationURLs    []string          `json:"notification_urls,omitempty"`
	NotificationTitle   string            `json:"notification_title,omitempty"`
	NotificationBody    string            `json:"notification_body,omitempty"`
	NotificationFormat  Format            `json:"notification_format,omitempty"`
	DateCreated         int64             `json:"date_created"`
	LastChecked         int64             `json:"last_checked"`
	LastError           *string           `json:"last_error"`
	PreviousMD5         string            `json:"previous_md5,omitempty"`
	FetchTime           float64           `json:"fetch_time"`
	LastStatusCode      int               `json:"last_status_code,omitempty"`
	History             []HistoryEntry    `json:"history,omitempty"`
}

// Copy returns a deep copy so callers can hold it outside a registry lock.
func (w Watch) Copy() Watch {
	out := w
	if w.MinutesBetweenCheck != nil {
		m := *w.MinutesBetweenCheck
		out.MinutesBetweenCheck = &m
	}
	if w.LastError != nil {
		e := *w.LastError
		out.LastError = &e
	}
	if w.Headers != nil {
		out.Headers = make(map[string]string, len(w.Headers))
		for k, v := range w.Headers {
			out.Headers[k] = v
		}
	}
	out.IgnoreText = slices.Clone(w.IgnoreText)
	out.NotificationURLs = slices.Clone(w.NotificationURLs)
	out.History = slices.Clone(w.History)
	return out
}

// EffectiveMinutes resolves the check interval, preferring the per-watch
// override over the global setting.
func (w Watch) EffectiveMinutes(globalMinutes int) int {
	if w.MinutesBetweenCheck != nil && *w.MinutesBetweenCheck > 0 {
		return *w.MinutesBetweenCheck
	}
	if globalMinutes > 0 {
		return globalMinutes
	}
	return DefaultMinutesBetweenCheck
}

// HistoryDesc returns history entries newest first.
func (w Watch) HistoryDesc() []HistoryEntry {
	out := slices.Clone(w.History)
	slices.SortStableFunc(out, func(a, b HistoryEntry) int {
		switch {
		case a.Timestamp > b.Timestamp:
			return -1
		case a.Timestamp < b.Timestamp:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Latest returns the newest history entry.
func (w Watch) Latest() (HistoryEntry, bool) {
	desc := w.HistoryDesc()
	if len(desc) == 0 {
		return HistoryEntry{}, false
	}
	return desc[0], true
}

// HasHistoryAt reports whether an entry already exists for ts.
func (w Watch) HasHistoryAt(ts int64) bool {
	return slices.ContainsFunc(w.History, func(e HistoryEntry) bool { return e.Timestamp == ts })
}

// CheckResult is what a worker records after each check attempt.
type CheckResult struct {
	Timestamp  int64
	FetchTime  float64
	StatusCode int
	// Err is nil on success, which clears any previous error.
	Err error
}

// NotificationJob is a fully resolved notification waiting for delivery.
type NotificationJob struct {
	WatchID         string   `json:"uuid"`
	WatchURL        string   `json:"watch_url"`
	URLs            []string `json:"notification_urls"`
	Title           string   `json:"notification_title,omitempty"`
	Body            string   `json:"notification_body,omitempty"`
	Format          Format   `json:"notification_format"`
	CurrentSnapshot string   `json:"current_snapshot"`
	Diff            string   `json:"diff"`
	DiffFull        string   `json:"diff_full"`
}

// FetchRequest captures everything needed to fetch a watch URL.
type FetchRequest struct {
	WatchID string
	URL     string
	Timeout time.Duration
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ApplyConfig returns w with every user-editable field taken from src. Check
// state, history and identity are kept.
func (w Watch) ApplyConfig(src Watch) Watch {
	src = src.Copy()
	w.URL = src.URL
	w.MinutesBetweenCheck = src.MinutesBetweenCheck
	w.Paused = src.Paused
	w.FetchStrategy = src.FetchStrategy
	w.Headers = src.Headers
	w.IgnoreText = src.IgnoreText
	w.CSSFilter = src.CSSFilter
	w.Tag = src.Tag
	w.NotificationURLs = src.NotificationURLs
	w.NotificationTitle = src.NotificationTitle
	w.NotificationBody = src.NotificationBody
	w.NotificationFormat = src.NotificationFormat
	return w
}

// CloneAs copies the configuration of w into a fresh watch with no history.
func (w Watch) CloneAs(id string, created time.Time) Watch {
	return Watch{ID: id, DateCreated: created.Unix()}.ApplyConfig(w)
}

// ErrorText renders err for LastError; nil clears it.
func ErrorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

// RoundFetchTime keeps three decimals of a fetch duration in seconds.
func RoundFetchTime(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
