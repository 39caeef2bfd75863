package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_HistoryDescNewestFirst(t *testing.T) {
	t.Parallel()

	w := Watch{History: []HistoryEntry{
		{Timestamp: 10, ContentRef: "a"},
		{Timestamp: 30, ContentRef: "c"},
		{Timestamp: 20, ContentRef: "b"},
	}}
	desc := w.HistoryDesc()
	require.Equal(t, []int64{30, 20, 10}, []int64{desc[0].Timestamp, desc[1].Timestamp, desc[2].Timestamp})
	require.Equal(t, int64(10), w.History[0].Timestamp, "original order untouched")

	latest, ok := w.Latest()
	require.True(t, ok)
	require.Equal(t, "c", latest.ContentRef)
	require.True(t, w.HasHistoryAt(20))
	require.False(t, w.HasHistoryAt(40))
}

func TestWatch_CopyIsDeep(t *testing.T) {
	t.Parallel()

	msg := "boom"
	w := Watch{
		ID:                  "a",
		MinutesBetweenCheck: intPtr(3),
		LastError:           &msg,
		IgnoreText:          []string{"x"},
		NotificationURLs:    []string{"json://example.com"},
		History:             []HistoryEntry{{Timestamp: 1}},
	}
	c := w.Copy()
	*c.MinutesBetweenCheck = 9
	*c.LastError = "changed"
	c.IgnoreText[0] = "y"
	c.NotificationURLs[0] = "other"
	c.History[0].Timestamp = 2

	require.Equal(t, 3, *w.MinutesBetweenCheck)
	require.Equal(t, "boom", *w.LastError)
	require.Equal(t, "x", w.IgnoreText[0])
	require.Equal(t, "json://example.com", w.NotificationURLs[0])
	require.Equal(t, int64(1), w.History[0].Timestamp)
}

func TestFormat_LineSeparator(t *testing.T) {
	t.Parallel()

	require.Equal(t, "<br>", FormatHTML.LineSeparator())
	require.Equal(t, "\n", FormatText.LineSeparator())
	require.Equal(t, "\n", FormatMarkdown.LineSeparator())
	require.True(t, FormatMarkdown.Valid())
	require.False(t, Format("xml").Valid())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, ErrorKind(""), Classify(nil))
	require.Equal(t, KindEmptyReply, Classify(fmt.Errorf("fetch: %w", ErrEmptyReply)))
	require.Equal(t, KindPermission, Classify(fmt.Errorf("write: %w", fs.ErrPermission)))
	require.Equal(t, KindProxy, Classify(NewCheckError(KindProxy, "id", errors.New("all proxies failed"))))
	require.Equal(t, KindUnexpected, Classify(errors.New("other")))
	require.NoError(t, NewCheckError(KindFetch, "id", nil))

	err := NewCheckError(KindFetch, "id-1", ErrEmptyReply)
	require.ErrorIs(t, err, ErrEmptyReply)
	require.Contains(t, err.Error(), "id-1")
}

func TestWatch_ApplyConfigKeepsState(t *testing.T) {
	t.Parallel()

	stored := Watch{
		ID:          "a",
		URL:         "https://old.example",
		LastChecked: 50,
		PreviousMD5: "abc",
		History:     []HistoryEntry{{Timestamp: 50, ContentRef: "memory://a/50"}},
	}
	edit := Watch{ID: "ignored", URL: "https://new.example", Paused: true, Tag: "prices", LastChecked: 999}
	got := stored.ApplyConfig(edit)
	require.Equal(t, "a", got.ID)
	require.Equal(t, "https://new.example", got.URL)
	require.True(t, got.Paused)
	require.Equal(t, "prices", got.Tag)
	require.Equal(t, int64(50), got.LastChecked)
	require.Equal(t, "abc", got.PreviousMD5)
	require.Len(t, got.History, 1)

	clone := stored.CloneAs("b", time.Unix(70, 0))
	require.Equal(t, "b", clone.ID)
	require.Equal(t, "https://old.example", clone.URL)
	require.Empty(t, clone.History)
	require.Zero(t, clone.LastChecked)
	require.Empty(t, clone.PreviousMD5)
	require.Equal(t, int64(70), clone.DateCreated)
}

func TestErrorTextAndFetchTime(t *testing.T) {
	t.Parallel()

	require.Nil(t, ErrorText(nil))
	require.Equal(t, "boom", *ErrorText(errors.New("boom")))
	require.Equal(t, 1.235, RoundFetchTime(1234567*time.Microsecond))
}
