// Package health serves the liveness and readiness probes of the parley
// server.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// answers 200 only while the server accepts sessions and every [Checker]
// passes; otherwise 503. Both reply with
//
//	{"status": "ok" | "fail", "checks": {"<name>": "ok" | "fail: <reason>"}}
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency of the server.
type Checker struct {
	// Name keys the check in the /readyz body, e.g. "llm" or "events".
	Name string
	// Check must return once ctx is done.
	Check func(ctx context.Context) error
}

// HTTPProbe returns a Checker that GETs url and expects a 2xx answer. The
// header is sent with every probe, typically a bearer token for hosted
// backends. A nil client means [http.DefaultClient].
func HTTPProbe(name, url string, header http.Header, client *http.Client) Checker {
	if client == nil {
		client = http.DefaultClient
	}
	probe := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header = header.Clone()
		if req.Header == nil {
			req.Header = http.Header{}
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
	return Checker{Name: name, Check: probe}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed by [New].
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler running checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// SetDraining flips readiness off while the server shuts down, so load
// balancers stop sending new sessions.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each under [checkTimeout], and
// fails if any of them does. A draining server fails without probing.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{
			Status: "fail",
			Checks: map[string]string{"server": "draining"},
		})
		return
	}

	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
		})
	}
	wg.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Status = "fail"
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
