package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbernstein/lacylights-node/internal/services/rdm"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

type fakeRDM struct {
	port   int
	frame  wire.Frame
	result rdm.Result
	err    error
}

func (f *fakeRDM) Transact(_ context.Context, port int, fr wire.Frame) (rdm.Result, error) {
	f.port, f.frame = port, fr
	return f.result, f.err
}

func TestRDMTransact(t *testing.T) {
	f := newFixture(t)
	device := wire.NewUID(0x7a70, 0x12345678)
	f.rdm.result = rdm.Result{
		Port:        1,
		Transaction: 4,
		Status:      rdm.StatusResponse,
		Frame: &wire.Frame{
			Source:       device,
			CommandClass: wire.GetCommandResponse,
			PortID:       wire.ResponseTypeAck,
			PID:          wire.PIDDeviceLabel,
			Data:         []byte("par"),
		},
	}

	w := f.do(t, http.MethodPost, "/api/ports/1/rdm", "application/json",
		`{"destination":"7a70:12345678","command":"get","pid":130}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, 1, f.rdm.port)
	assert.Equal(t, device, f.rdm.frame.Destination)
	assert.Equal(t, wire.GetCommand, f.rdm.frame.CommandClass)
	assert.Equal(t, wire.PIDDeviceLabel, f.rdm.frame.PID)

	var resp rdmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "response", resp.Status)
	assert.Equal(t, uint8(4), resp.Transaction)
	assert.Equal(t, device.String(), resp.Source)
	assert.Equal(t, "706172", resp.Data)
}

func TestRDMTransact_Errors(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/ports/0/rdm", "application/json", `{"destination":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ports/0/rdm", "application/json", `{"destination":"7a70:00000001","command":"reset"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ports/0/rdm", "application/json", `{"destination":"7a70:00000001","data":"zz"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/ports/9/rdm", "application/json", `{"destination":"7a70:00000001"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.rdm.err = rdm.ErrBusy
	w = f.do(t, http.MethodPost, "/api/ports/0/rdm", "application/json", `{"destination":"7a70:00000001"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}
