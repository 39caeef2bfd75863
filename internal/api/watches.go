package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/diff"
	"github.com/JakeFAU/changewatch/internal/proxy"
	"github.com/JakeFAU/changewatch/internal/watch"
)

// testNotificationTitle and testNotificationBody are sent by test-notification
// when the watch carries no templates of its own.
const (
	testNotificationTitle = "changewatch test notification: {watch_url}"
	testNotificationBody  = "Test notification for {watch_url}\n\n{current_snapshot}"
)

type watchRequest struct {
	URL                 string            `json:"url" validate:"required,http_url"`
	MinutesBetweenCheck *int              `json:"minutes_between_check" validate:"omitempty,gt=0"`
	Paused              bool              `json:"paused"`
	FetchStrategy       string            `json:"fetch_backend"`
	Headers             map[string]string `json:"headers" validate:"omitempty,dive,keys,required,endkeys"`
	IgnoreText          []string          `json:"ignore_text" validate:"omitempty,dive,required"`
	CSSFilter           string            `json:"css_filter"`
	Tag                 string            `json:"tag" validate:"max=128"`
	NotificationURLs    []string          `json:"notification_urls" validate:"omitempty,dive,required"`
	NotificationTitle   string            `json:"notification_title"`
	NotificationBody    string            `json:"notification_body"`
	NotificationFormat  string            `json:"notification_format" validate:"omitempty,oneof=Text HTML Markdown"`
}

func (req watchRequest) toWatch() watch.Watch {
	strategy := req.FetchStrategy
	if strategy == "" {
		strategy = watch.StrategyRequests
	}
	return watch.Watch{
		URL:                 strings.TrimSpace(req.URL),
		MinutesBetweenCheck: req.MinutesBetweenCheck,
		Paused:              req.Paused,
		FetchStrategy:       strategy,
		Headers:             req.Headers,
		IgnoreText:          req.IgnoreText,
		CSSFilter:           req.CSSFilter,
		Tag:                 req.Tag,
		NotificationURLs:    req.NotificationURLs,
		NotificationTitle:   req.NotificationTitle,
		NotificationBody:    req.NotificationBody,
		NotificationFormat:  watch.Format(req.NotificationFormat),
	}
}

// decodeWatch parses and validates a watch body.
func (s *Server) decodeWatch(r *http.Request) (watch.Watch, error) {
	var req watchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return watch.Watch{}, errors.New("invalid JSON")
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return watch.Watch{}, fmt.Errorf("field %s failed %q check", verrs[0].Field(), verrs[0].Tag())
		}
		return watch.Watch{}, fmt.Errorf("validate request: %w", err)
	}
	w := req.toWatch()
	if err := diff.ValidateRules(diff.RulesFor(w)); err != nil {
		return watch.Watch{}, err
	}
	if s.deps.Fetchers != nil && !s.deps.Fetchers.Has(w.FetchStrategy) {
		return watch.Watch{}, fmt.Errorf("unknown fetch_backend %q", w.FetchStrategy)
	}
	if s.deps.URLChecker != nil {
		for _, raw := range w.NotificationURLs {
			if err := s.deps.URLChecker.CheckURL(raw); err != nil {
				return watch.Watch{}, err
			}
		}
	}
	return w, nil
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	watches, err := s.deps.Store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list watches")
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		filtered := watches[:0]
		for _, wt := range watches {
			if wt.Tag == tag {
				filtered = append(filtered, wt)
			}
		}
		watches = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"watches": watches})
}

func (s *Server) createWatch(w http.ResponseWriter, r *http.Request) {
	incoming, err := s.decodeWatch(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to generate watch id")
		return
	}
	incoming.ID = id
	incoming.DateCreated = s.deps.Clock.Now().Unix()
	created, err := s.deps.Store.Add(r.Context(), incoming)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	queued := false
	if !created.Paused {
		queued = s.enqueue(created.ID)
	}
	s.logger.Info("watch created", zap.String("watch_id", created.ID), zap.String("url", created.URL))
	s.writeJSON(w, http.StatusCreated, map[string]any{"uuid": created.ID, "queued": queued})
}

// watchView adds whether a worker is checking the watch right now.
type watchView struct {
	watch.Watch
	Checking bool `json:"checking"`
}

func (s *Server) getWatch(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	checking := s.deps.InFlight != nil && s.deps.InFlight.IsOwned(wt.ID)
	s.writeJSON(w, http.StatusOK, watchView{Watch: wt, Checking: checking})
}

func (s *Server) updateWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "watch_id")
	incoming, err := s.decodeWatch(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	incoming.ID = id
	if err := s.deps.Store.Update(r.Context(), incoming); err != nil {
		s.writeStoreError(w, err)
		return
	}
	updated, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "watch_id")
	removed, err := s.deps.Store.Delete(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deleteSnapshots(r.Context(), removed)
	s.logger.Info("watch deleted", zap.String("watch_id", id), zap.Int("snapshots", len(removed.History)))
	s.writeJSON(w, http.StatusOK, map[string]any{"uuid": id, "deleted": true})
}

func (s *Server) deleteSnapshots(ctx context.Context, wt watch.Watch) {
	if s.deps.Snapshots == nil {
		return
	}
	for _, entry := range wt.History {
		if err := s.deps.Snapshots.DeleteObject(ctx, entry.ContentRef); err != nil {
			s.logger.Warn("snapshot delete failed",
				zap.String("watch_id", wt.ID),
				zap.String("content_ref", entry.ContentRef),
				zap.Error(err),
			)
		}
	}
}

func (s *Server) checkNow(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	queued := s.enqueue(wt.ID)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"uuid": wt.ID, "queued": queued})
}

// checkAll queues every non-paused watch, or only those carrying ?tag=.
func (s *Server) checkAll(w http.ResponseWriter, r *http.Request) {
	watches, err := s.deps.Store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list watches")
		return
	}
	tag := r.URL.Query().Get("tag")
	queued := 0
	for _, wt := range watches {
		if wt.Paused || (tag != "" && wt.Tag != tag) {
			continue
		}
		if s.enqueue(wt.ID) {
			queued++
		}
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

func (s *Server) cloneWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "watch_id")
	newID, err := s.deps.IDs.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to generate watch id")
		return
	}
	clone, err := s.deps.Store.Clone(r.Context(), id, newID, s.deps.Clock.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	queued := false
	if !clone.Paused {
		queued = s.enqueue(clone.ID)
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"uuid": clone.ID, "source": id, "queued": queued})
}

func (s *Server) pauseWatch(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "watch_id")
		if err := s.deps.Store.SetPaused(r.Context(), id, paused); err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"uuid": id, "paused": paused})
	}
}

func (s *Server) testNotification(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.lookup(w, r)
	if !ok {
		return
	}
	urls := wt.NotificationURLs
	if len(urls) == 0 {
		urls = s.cfg.NotificationURLs
	}
	if len(urls) == 0 {
		s.writeError(w, http.StatusBadRequest, "no notification URLs configured")
		return
	}
	format := wt.NotificationFormat
	if !format.Valid() {
		format = s.cfg.NotificationFormat
	}
	if !format.Valid() {
		format = watch.FormatText
	}
	job := watch.NotificationJob{
		WatchID:  wt.ID,
		WatchURL: wt.URL,
		URLs:     urls,
		Title:    firstNonEmpty(wt.NotificationTitle, testNotificationTitle),
		Body:     firstNonEmpty(wt.NotificationBody, testNotificationBody),
		Format:   format,
		Diff:     "(test notification, no changes detected)",
		DiffFull: "(test notification, no changes detected)",
	}
	if latest, ok := wt.Latest(); ok && s.deps.Snapshots != nil {
		if data, err := s.deps.Snapshots.GetObject(r.Context(), latest.ContentRef); err == nil {
			job.CurrentSnapshot = string(data)
		}
	}
	s.deps.Notifications.Push(job)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"uuid": wt.ID, "destinations": len(urls)})
}

func (s *Server) listProxies(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": s.proxyRecords()})
}

func (s *Server) resetProxies(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Proxies != nil {
		s.deps.Proxies.Reset()
		s.logger.Info("proxy pool reset")
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": s.proxyRecords()})
}

func (s *Server) proxyRecords() []proxy.Record {
	if s.deps.Proxies == nil {
		return []proxy.Record{}
	}
	return s.deps.Proxies.Records()
}

func (s *Server) listFetchers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Fetchers == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"fetchers": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"fetchers": s.deps.Fetchers.Available()})
}

// enqueue pushes id unless it is already queued or owned by a worker.
func (s *Server) enqueue(id string) bool {
	if s.deps.InFlight != nil && s.deps.InFlight.IsOwned(id) {
		return false
	}
	return s.deps.Queue.Push(id)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (watch.Watch, bool) {
	id := chi.URLParam(r, "watch_id")
	wt, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return watch.Watch{}, false
	}
	return wt, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, watch.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "watch not found")
		return
	}
	s.logger.Error("registry operation failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "registry operation failed")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
