package watch

import "time"

// IsDue reports whether w should be checked at now. The interval is
// configured in minutes while LastChecked is in unix seconds.
func IsDue(w Watch, now time.Time, globalMinutes int) bool {
	if w.Paused {
		return false
	}
	threshold := now.Unix() - int64(w.EffectiveMinutes(globalMinutes))*60
	return w.LastChecked <= threshold
}

// FilterDue returns copies of the watches in ws that are due at now.
func FilterDue(ws []Watch, now time.Time, globalMinutes int) []Watch {
	var out []Watch
	for _, w := range ws {
		if IsDue(w, now, globalMinutes) {
			out = append(out, w.Copy())
		}
	}
	return out
}
