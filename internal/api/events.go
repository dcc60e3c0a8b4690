package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nbd-wtf/go-nostr"
)

const defaultEventLimit = 50

type EventHandler struct {
	store Store
}

func NewEventHandler(s Store) *EventHandler {
	return &EventHandler{store: s}
}

// List queries the cache. Query parameters mirror a relay filter: kinds,
// ids, authors, since, until and limit, plus any single-letter parameter as
// a tag filter (?d=my-article).
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.store.QueryEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	event, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if event == nil {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}

	respondJSON(w, http.StatusOK, event)
}

func filterFromQuery(q url.Values) (nostr.Filter, error) {
	f := nostr.Filter{Limit: defaultEventLimit}

	for key, values := range q {
		switch key {
		case "kinds":
			for _, s := range splitList(values) {
				k, err := strconv.Atoi(s)
				if err != nil {
					return f, fmt.Errorf("invalid kind %q", s)
				}
				f.Kinds = append(f.Kinds, k)
			}
		case "ids":
			f.IDs = splitList(values)
		case "authors":
			f.Authors = splitList(values)
		case "since", "until":
			n, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil || n < 0 {
				return f, fmt.Errorf("invalid %s %q", key, values[0])
			}
			ts := nostr.Timestamp(n)
			if key == "since" {
				f.Since = &ts
			} else {
				f.Until = &ts
			}
		case "limit":
			n, err := strconv.Atoi(values[0])
			if err != nil || n <= 0 {
				return f, fmt.Errorf("invalid limit %q", values[0])
			}
			f.Limit = n
		default:
			if len(key) != 1 {
				return f, fmt.Errorf("unknown parameter %q", key)
			}
			if f.Tags == nil {
				f.Tags = nostr.TagMap{}
			}
			f.Tags[key] = splitList(values)
		}
	}
	return f, nil
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
