// Package health serves the liveness and readiness probes of the preview
// server.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only while every [Checker] passes; the streaming commands register
// [Subscribed] and [FramesFlowing]. Both reply with JSON of the form
//
//	{"status":"ok|fail","checks":{"subscribed":"ok","frames":"fail: ..."}}
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is one named readiness condition. Check returns nil while the
// condition holds and must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Subscribed passes while active reports an open bridge subscription.
func Subscribed(active func() bool) Checker {
	return Checker{Name: "subscribed", Check: func(context.Context) error {
		if active() {
			return nil
		}
		return errors.New("no active subscription")
	}}
}

// FramesFlowing passes while last reports data no older than maxAge. A zero
// time means nothing has arrived yet.
func FramesFlowing(last func() time.Time, maxAge time.Duration) Checker {
	return Checker{Name: "frames", Check: func(context.Context) error {
		t := last()
		switch age := time.Since(t); {
		case t.IsZero():
			return errors.New("no data received yet")
		case age > maxAge:
			return fmt.Errorf("last data %s ago", age.Round(time.Millisecond))
		}
		return nil
	}}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, result{Status: statusOK})
}

// Readyz runs all checkers concurrently and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: statusOK, Checks: h.evaluate(r.Context())}
	code := http.StatusOK
	for _, v := range res.Checks {
		if v != statusOK {
			res.Status = statusFail
			code = http.StatusServiceUnavailable
			break
		}
	}
	reply(w, code, res)
}

func (h *Handler) evaluate(ctx context.Context) map[string]string {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]string, len(h.checkers))
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			v := statusOK
			if err := c.Check(cctx); err != nil {
				v = statusFail + ": " + err.Error()
			}
			mu.Lock()
			out[c.Name] = v
			mu.Unlock()
		})
	}
	wg.Wait()
	return out
}

func reply(w http.ResponseWriter, code int, res result) {
	b, err := json.Marshal(res)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(b, '\n'))
}
