package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"blueroots.org/internal/ids"
	"blueroots.org/internal/incidents"
	"blueroots.org/internal/store"
)

type reviewRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

func (a *API) CreateReport(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req incidents.ReportInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	report, err := a.incidents.CreateReport(r.Context(), id.ID, req)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, "report submitted", report)
}

func (a *API) ListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f incidents.ReportFilter
	if v := q.Get("status"); v != "" {
		st, ok := incidents.ParseStatus(v)
		if !ok {
			a.respondError(w, r, badRequest("unknown status %q", v))
			return
		}
		f.Status = st
	}
	if v := q.Get("category"); v != "" {
		c, ok := incidents.ParseCategory(v)
		if !ok {
			a.respondError(w, r, badRequest("unknown category %q", v))
			return
		}
		f.Category = c
	}
	if mine, _ := strconv.ParseBool(q.Get("mine")); mine {
		id, err := identity(r)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		f.ReporterID = id.ID
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	f.Limit = limit

	reports, err := a.incidents.ListReports(r.Context(), f)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "reports", reports)
}

func (a *API) GetReport(w http.ResponseWriter, r *http.Request) {
	reportID, err := pathID(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	report, err := a.incidents.GetReport(r.Context(), reportID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "report", report)
}

func (a *API) ReviewReport(w http.ResponseWriter, r *http.Request) {
	reviewer, err := identity(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	reportID, err := pathID(r, "id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	report, err := a.incidents.ReviewReport(r.Context(), reviewer.ID, reportID, req.Decision, req.Note)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "report "+string(report.Status), report)
}

func (a *API) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	entries, err := a.incidents.Leaderboard(r.Context(), limit)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, "leaderboard", entries)
}

// pathID reads a ULID route variable. Malformed ids cannot exist, so they
// are reported as not found.
func pathID(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(mux.Vars(r)[name])
	if !ids.Valid(v) {
		return "", store.ErrNotFound
	}
	return v, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}
