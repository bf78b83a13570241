package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bbernstein/lacylights-node/internal/services/rdm"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

// rdmTimeout bounds a single request including time spent waiting for the
// port to reach a frame boundary.
const rdmTimeout = 2 * time.Second

// Transactor runs one RDM transaction to completion.
type Transactor interface {
	Transact(ctx context.Context, port int, f wire.Frame) (rdm.Result, error)
}

type rdmRequest struct {
	Destination string `json:"destination"`
	Command     string `json:"command"` // "get" or "set"
	SubDevice   uint16 `json:"subDevice"`
	PID         uint16 `json:"pid"`
	Data        string `json:"data"` // hex
}

type rdmResponse struct {
	Status       string `json:"status"`
	Transaction  uint8  `json:"transaction"`
	Source       string `json:"source,omitempty"`
	ResponseType uint8  `json:"responseType"`
	PID          uint16 `json:"pid,omitempty"`
	Data         string `json:"data,omitempty"`
	Dropped      int    `json:"dropped,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (req rdmRequest) frame() (wire.Frame, error) {
	dest, err := wire.ParseUID(req.Destination)
	if err != nil {
		return wire.Frame{}, err
	}
	var cc wire.CommandClass
	switch strings.ToLower(req.Command) {
	case "get", "":
		cc = wire.GetCommand
	case "set":
		cc = wire.SetCommand
	default:
		return wire.Frame{}, fmt.Errorf("unknown command %q", req.Command)
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("data: %w", err)
	}
	if len(data) > wire.MaxParameterData {
		return wire.Frame{}, fmt.Errorf("data: %d bytes exceeds %d", len(data), wire.MaxParameterData)
	}
	return wire.Frame{Destination: dest, CommandClass: cc, SubDevice: req.SubDevice, PID: req.PID, Data: data}, nil
}

func (s *Server) rdmTransact(w http.ResponseWriter, r *http.Request) {
	if s.deps.RDM == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("RDM not available"))
		return
	}
	p, ok := s.port(w, r)
	if !ok {
		return
	}
	var req rdmRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, err := req.frame()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), rdmTimeout)
	defer cancel()
	res, err := s.deps.RDM.Transact(ctx, p.Index(), f)
	switch {
	case errors.Is(err, rdm.ErrBusy):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
		return
	case err != nil:
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	out := rdmResponse{Status: res.Status.String(), Transaction: res.Transaction, Dropped: res.Dropped}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	if res.Frame != nil {
		out.Source = res.Frame.Source.String()
		out.ResponseType = res.Frame.PortID
		out.PID = res.Frame.PID
		out.Data = hex.EncodeToString(res.Frame.Data)
	}
	writeJSON(w, http.StatusOK, out)
}
