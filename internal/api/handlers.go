package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bbernstein/lacylights-node/internal/config"
	"github.com/bbernstein/lacylights-node/internal/services/bridge"
	"github.com/bbernstein/lacylights-node/internal/services/dmx"
	"github.com/bbernstein/lacylights-node/internal/services/merge"
	"github.com/bbernstein/lacylights-node/internal/services/network"
	"github.com/bbernstein/lacylights-node/internal/services/version"
)

const maxBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// port resolves the {port} URL parameter to a port index.
func (s *Server) port(w http.ResponseWriter, r *http.Request) (*dmx.Port, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("port must be a number"))
		return nil, false
	}
	p, err := s.deps.DMX.Port(n)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return p, true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

func (s *Server) listPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.DMX.Status())
}

type portStats struct {
	Index    int                 `json:"index"`
	Transmit dmx.Statistics      `json:"transmit"`
	Receive  dmx.Statistics      `json:"receive"`
	Totals   dmx.TotalStatistics `json:"totals"`
	Counters dmx.Counters        `json:"counters"`
}

func (s *Server) portStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	st := p.Status()
	writeJSON(w, http.StatusOK, portStats{
		Index:    st.Index,
		Transmit: st.Transmit,
		Receive:  st.Receive,
		Totals:   st.Totals,
		Counters: st.Counters,
	})
}

func (s *Server) clearPortStats(w http.ResponseWriter, r *http.Request) {
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	p.ClearStatistics()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startPort(w http.ResponseWriter, r *http.Request) {
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	s.deps.Outputs.Start(p.Index())
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) stopPort(w http.ResponseWriter, r *http.Request) {
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	s.deps.Outputs.Stop(p.Index())
	writeJSON(w, http.StatusOK, p.Status())
}

type directionRequest struct {
	Direction string `json:"direction"`
}

func (s *Server) setDirection(w http.ResponseWriter, r *http.Request) {
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	var req directionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	d, ok := dmx.ParseDirection(req.Direction)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("direction must be input or output"))
		return
	}
	if err := s.deps.DMX.SetPortDirection(p.Index(), d); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) blackout(w http.ResponseWriter, r *http.Request) {
	s.deps.DMX.Blackout()
	s.log.Info("⬛ Blackout requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) fullOn(w http.ResponseWriter, r *http.Request) {
	s.deps.DMX.FullOn()
	s.log.Info("⬜ Full on requested")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	u, err := strconv.Atoi(chi.URLParam(r, "universe"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("universe must be a number"))
		return
	}
	proto := bridge.SACN
	if q := r.URL.Query().Get("protocol"); q != "" {
		if proto, err = bridge.ParseProtocol(q); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	sources := s.deps.Bridge.Sources(proto, u)
	if sources == nil {
		sources = []merge.SourceInfo{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type countersResponse struct {
	Bridge     bridge.Counters `json:"bridge"`
	ArtNet     merge.Counters  `json:"artnet"`
	SACN       merge.Counters  `json:"sacn"`
	SyncActive bool            `json:"syncActive"`
	Dropped    uint64          `json:"streamDropped"`
}

func (s *Server) counters(w http.ResponseWriter, r *http.Request) {
	resp := countersResponse{
		Bridge:     s.deps.Bridge.Counters(),
		ArtNet:     s.deps.Bridge.MergeCounters(bridge.ArtNet),
		SACN:       s.deps.Bridge.MergeCounters(bridge.SACN),
		SyncActive: s.deps.Bridge.SyncActive(),
	}
	if s.deps.Bus != nil {
		resp.Dropped = s.deps.Bus.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	props, err := s.deps.Params.Document(chi.URLParam(r, "name"))
	if errors.Is(err, config.ErrUnknownDocument) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if wantsText(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, props.String())
		return
	}
	writeJSON(w, http.StatusOK, props)
}

// putParams accepts a JSON object or a properties text body.
func (s *Server) putParams(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body := io.LimitReader(r.Body, maxBody)

	var props config.Properties
	var err error
	if wantsText(r.Header.Get("Content-Type")) {
		props, err = config.ParseProperties(body)
	} else {
		err = json.NewDecoder(body).Decode(&props)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode %s: %w", name, err))
		return
	}

	err = s.deps.Params.UpdateDocument(r.Context(), name, props)
	switch {
	case errors.Is(err, config.ErrUnknownDocument):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.log.WithField("document", name).Info("💾 Parameters updated")

	saved, err := s.deps.Params.Document(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func wantsText(header string) bool {
	mt, _, err := mime.ParseMediaType(header)
	return err == nil && mt == "text/plain"
}

func (s *Server) interfaces(w http.ResponseWriter, r *http.Request) {
	options, err := network.GetNetworkInterfaces()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}
