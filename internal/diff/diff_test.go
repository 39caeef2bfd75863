package diff

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/changewatch/internal/watch"
)

func TestEngine_IgnoreTextMasksChange(t *testing.T) {
	t.Parallel()

	e := New(nil)
	rules := Rules{IgnoreText: []string{`/\d+/`}}

	first, err := e.Normalize([]byte("A123B"), rules)
	require.NoError(t, err)
	require.Equal(t, "AB", string(first))

	second, err := e.Normalize([]byte("A456B"), rules)
	require.NoError(t, err)

	fp1, err := e.Fingerprint(first)
	require.NoError(t, err)
	fp2, err := e.Fingerprint(second)
	require.NoError(t, err)
	require.False(t, Changed(fp1, fp2))
}

func TestEngine_PlainRuleDropsLinesCaseInsensitive(t *testing.T) {
	t.Parallel()

	e := New(nil)
	got, err := e.Normalize([]byte("keep\nUpdated at 10:00  \nkeep too  "), Rules{IgnoreText: []string{"updated AT", ""}})
	require.NoError(t, err)
	require.Equal(t, "keep\nkeep too", string(got))
}

func TestEngine_SelectorExtractionBeforeIgnore(t *testing.T) {
	t.Parallel()

	page := []byte(`<html><body>
<div class="ts">Generated 2024-01-01 12:00</div>
<ul><li class="price"> Price: 10 EUR </li><li class="price">Stock 3</li><li>other</li></ul>
</body></html>`)

	e := New(nil)
	got, err := e.Normalize(page, Rules{CSSFilter: ".price", IgnoreText: []string{"stock"}})
	require.NoError(t, err)
	require.Equal(t, "Price: 10 EUR", string(got))

	got, err = e.Normalize(page, Rules{CSSFilter: "#missing"})
	require.NoError(t, err)
	require.Empty(t, string(got))
}

func TestEngine_RawDifferenceOutsideRegionIsNotAChange(t *testing.T) {
	t.Parallel()

	e := New(nil)
	rules := Rules{CSSFilter: "#content"}
	a, err := e.Normalize([]byte(`<p>12:00</p><div id="content">same</div>`), rules)
	require.NoError(t, err)
	b, err := e.Normalize([]byte(`<p>12:05</p><div id="content">same</div>`), rules)
	require.NoError(t, err)

	fa, _ := e.Fingerprint(a)
	fb, _ := e.Fingerprint(b)
	require.Equal(t, fa, fb)
	require.Len(t, fa, 32)
}

func TestEngine_InvalidRules(t *testing.T) {
	t.Parallel()

	e := New(nil)
	_, err := e.Normalize([]byte("x"), Rules{IgnoreText: []string{"/([a-z/"}})
	require.Error(t, err)
	_, err = e.Normalize([]byte("<p>x</p>"), Rules{CSSFilter: "p["})
	require.Error(t, err)

	require.Error(t, ValidateRules(Rules{CSSFilter: "[["}))
	require.Error(t, ValidateRules(Rules{IgnoreText: []string{"/(/"}}))
	require.NoError(t, ValidateRules(Rules{CSSFilter: "div.price", IgnoreText: []string{"/\\d+/", "plain"}}))
}

func TestEngine_FingerprintPropagatesHasherError(t *testing.T) {
	t.Parallel()

	e := New(failingHasher{})
	_, err := e.Fingerprint([]byte("x"))
	require.Error(t, err)
}

func TestChanged(t *testing.T) {
	t.Parallel()

	require.True(t, Changed("", "abc"))
	require.True(t, Changed("abc", "abd"))
	require.False(t, Changed("abc", "abc"))
}

func TestRulesFor(t *testing.T) {
	t.Parallel()

	w := watch.Watch{CSSFilter: "#x", IgnoreText: []string{"a"}}
	require.Equal(t, Rules{CSSFilter: "#x", IgnoreText: []string{"a"}}, RulesFor(w))
}

func TestEngine_Render(t *testing.T) {
	t.Parallel()

	e := New(nil)
	diff, full := e.Render([]byte("a\nb\nc"), []byte("a\nB\nc\nd\n"), "\n")
	require.Equal(t, "(changed) b\n(into) B\n(added) d", diff)
	require.Equal(t, "a\n(changed) b\n(into) B\nc\n(added) d", full)

	diff, full = e.Render([]byte("a\nb"), []byte("a"), "<br>")
	require.Equal(t, "(removed) b", diff)
	require.Equal(t, "a<br>(removed) b", full)

	diff, full = e.Render([]byte("same\nlines"), []byte("same\nlines"), "\n")
	require.Empty(t, diff)
	require.Equal(t, "same\nlines", full)

	diff, _ = e.Render(nil, []byte("new"), "\n")
	require.Equal(t, "(added) new", diff)
}

// --- fakes ---

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) {
	return "", errors.New("hash failed")
}
