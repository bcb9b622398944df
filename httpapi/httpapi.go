// Package httpapi serves mounted view snapshots as JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"expvar"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/desk"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/series"
)

const mountTimeout = 10 * time.Second

type Server struct {
	Desk *desk.Desk
	Log  *log2.Log
	// response body bytes
	Sent *expvar.Int
}

func New(d *desk.Desk, log *log2.Log) *Server {
	return &Server{Desk: d, Log: log, Sent: new(expvar.Int)}
}

type ChartInfo struct {
	ID      string   `json:"id"`
	Metrics []string `json:"metrics"`
	Len     int      `json:"len"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/charts", s.listCharts).Methods(http.MethodGet)
	api.HandleFunc("/charts/{id:.+}", s.getChart).Methods(http.MethodGet)
	api.HandleFunc("/devices/{deviceId}/stats/{channel:[0-9]+}", s.getStats).Methods(http.MethodGet)
	api.HandleFunc("/pages/{deviceId}", s.mountPage).Methods(http.MethodPut)
	api.HandleFunc("/pages/{deviceId}", s.unmountPage).Methods(http.MethodDelete)
	api.HandleFunc("/registry", s.getRegistry).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler()).Methods(http.MethodGet)
	return r
}

// Handler is Router with access log and panic recovery.
func (s *Server) Handler() http.Handler {
	h := handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.Log.Printer(log2.LError)),
		handlers.PrintRecoveryStack(true),
	)(s.Router())
	return handlers.LoggingHandler(s.Log.Printer(log2.LDebug), h)
}

// ListenAndServe blocks until ctx is done or listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	s.Log.Infof("http listen=%s", addr)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "http listen=%s", addr)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(helpers.NewStatWriter(w, s.Sent, 0)).Encode(v); err != nil {
		s.Log.Errorf("http write err=%v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsAlreadyExists(err):
		status = http.StatusConflict
	case errors.IsNotValid(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) listCharts(w http.ResponseWriter, r *http.Request) {
	charts := s.Desk.Charts()
	out := make([]ChartInfo, 0, len(charts))
	for _, c := range charts {
		snap := c.Snapshot()
		out = append(out, ChartInfo{ID: c.ID(), Metrics: snap.Metrics, Len: snap.Len()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) chart(id string) (series.Snapshot, error) {
	v, ok := s.Desk.View(id)
	if !ok {
		return series.Snapshot{}, errors.NotFoundf("view=%s", id)
	}
	c, ok := v.(desk.Chart)
	if !ok {
		return series.Snapshot{}, errors.NotFoundf("chart=%s", id)
	}
	return c.Snapshot(), nil
}

func (s *Server) getChart(w http.ResponseWriter, r *http.Request) {
	snap, err := s.chart(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channel, err := strconv.Atoi(vars["channel"])
	if err != nil {
		s.writeError(w, errors.NotValidf("channel=%s", vars["channel"]))
		return
	}
	id := desk.ChannelStatsID(vars["deviceId"], channel)
	v, ok := s.Desk.View(id)
	if !ok {
		s.writeError(w, errors.NotFoundf("view=%s", id))
		return
	}
	stats, ok := v.(*desk.ChannelStats)
	if !ok {
		s.writeError(w, errors.NotFoundf("stats=%s", id))
		return
	}
	s.writeJSON(w, http.StatusOK, stats.Snapshot())
}

func (s *Server) mountPage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mountTimeout)
	defer cancel()
	device := mux.Vars(r)["deviceId"]
	if err := s.Desk.MountDevice(ctx, device); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, viewIDs(s.Desk.DevicePage(device)))
}

func (s *Server) unmountPage(w http.ResponseWriter, r *http.Request) {
	if err := s.Desk.UnmountDevice(mux.Vars(r)["deviceId"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRegistry(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Desk.Registry.Entries())
}

func viewIDs(vs []desk.View) []string {
	ids := make([]string, len(vs))
	for i, v := range vs {
		ids[i] = v.ID()
	}
	return ids
}
