package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line markers used in rendered diffs.
const (
	MarkAdded   = "(added) "
	MarkRemoved = "(removed) "
	MarkChanged = "(changed) "
	MarkInto    = "(into) "
)

// Render compares two snapshots line by line. diff lists only the changed
// lines; full also carries the unchanged ones. Lines are joined with lineSep.
func (e *Engine) Render(previous, current []byte, lineSep string) (diff, full string) {
	a, b, lineArray := e.dmp.DiffLinesToChars(terminate(string(previous)), terminate(string(current)))
	diffs := e.dmp.DiffCharsToLines(e.dmp.DiffMain(a, b, false), lineArray)

	var changes, all []string
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			all = append(all, splitLines(d.Text)...)
		case diffmatchpatch.DiffDelete:
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				block := append(prefix(MarkChanged, d.Text), prefix(MarkInto, diffs[i+1].Text)...)
				changes = append(changes, block...)
				all = append(all, block...)
				i++
				continue
			}
			block := prefix(MarkRemoved, d.Text)
			changes = append(changes, block...)
			all = append(all, block...)
		case diffmatchpatch.DiffInsert:
			block := prefix(MarkAdded, d.Text)
			changes = append(changes, block...)
			all = append(all, block...)
		}
	}
	return strings.Join(changes, lineSep), strings.Join(all, lineSep)
}

func terminate(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func prefix(mark, text string) []string {
	lines := splitLines(text)
	for i, l := range lines {
		lines[i] = mark + l
	}
	return lines
}
