package logring

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const defaultLimit = 100

type response struct {
	Entries []Entry `json:"entries"`
	Stored  int     `json:"stored"`
	Dropped uint64  `json:"dropped"`
}

// ServeHTTP answers GET with recent entries. Query parameters: limit,
// level (debug, info, warn, error), since (RFC 3339), session, room.
func (r *Ring) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, err := parseFilter(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries := r.Entries(f)
	if entries == nil {
		entries = []Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{Entries: entries, Stored: r.Len(), Dropped: r.Dropped()})
}

func parseFilter(req *http.Request) (Filter, error) {
	q := req.URL.Query()
	f := Filter{
		Limit:    defaultLimit,
		MinLevel: slog.LevelDebug,
		Session:  q.Get("session"),
		Room:     q.Get("room"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errBadParam("limit")
		}
		f.Limit = n
	}
	if v := q.Get("level"); v != "" {
		if err := f.MinLevel.UnmarshalText([]byte(v)); err != nil {
			return f, errBadParam("level")
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadParam("since")
		}
		f.Since = t
	}
	return f, nil
}

type errBadParam string

func (e errBadParam) Error() string {
	return "invalid " + string(e) + " parameter"
}
