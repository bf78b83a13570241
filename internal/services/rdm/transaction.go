// Package rdm runs RDM transactions on DMX ports: it borrows the line from DMX
// output for one request, waits out the response window and hands the line
// back. It also answers requests addressed to this node.
package rdm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bbernstein/lacylights-node/internal/services/scheduler"
	wire "github.com/bbernstein/lacylights-node/pkg/rdm"
)

// DefaultResponseWindow is the longest a controller waits for a responder.
const DefaultResponseWindow = 2800 * time.Microsecond

var (
	// ErrTimeout is the status of a transaction whose response window elapsed.
	ErrTimeout = errors.New("RDM response timeout")
	// ErrCancelled is the status of a transaction cancelled by its initiator.
	ErrCancelled = errors.New("RDM transaction cancelled")
	// ErrBusy is returned when a port already has a transaction outstanding.
	ErrBusy = errors.New("RDM transaction already outstanding")
	// ErrUnknownPort is returned for ports never attached to the layer.
	ErrUnknownPort = errors.New("port not attached")
	// ErrUnknownPid mirrors the codec error so callers need one import.
	ErrUnknownPid = wire.ErrUnknownPid
)

// State is the transaction state of a port.
type State int

const (
	TransmittingDmx State = iota
	SuspendDmxTx
	SendRdmRequest
	WaitResponseWindow
)

func (s State) String() string {
	switch s {
	case SuspendDmxTx:
		return "suspend-dmx"
	case SendRdmRequest:
		return "send-request"
	case WaitResponseWindow:
		return "wait-response"
	}
	return "transmitting-dmx"
}

// Status is how a transaction ended.
type Status int

const (
	StatusResponse Status = iota
	StatusTimeout
	StatusCancelled
	// StatusBroadcast ends a request no responder answers.
	StatusBroadcast
	// StatusFailed means the request never reached the wire.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusResponse:
		return "response"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusBroadcast:
		return "broadcast"
	}
	return "failed"
}

// Result is delivered once per transaction.
type Result struct {
	Port        int
	Transaction uint8
	Status      Status
	// Frame is the decoded response for StatusResponse to GET/SET requests.
	Frame *wire.Frame
	// Discovered is the responder found by a DISC_UNIQUE_BRANCH.
	Discovered wire.UID
	// Raw is the response exactly as received.
	Raw []byte
	// Dropped counts corrupt or unmatched frames seen during the window.
	Dropped int
	Err     error
}

// Callback receives a transaction result. It runs without layer locks held.
type Callback func(Result)

// Line is the part of a DMX port the layer borrows.
type Line interface {
	Suspend(onIdle func(now time.Time)) error
	SendRaw(frame []byte, onSent func(now time.Time)) error
	Resume() error
	Respond(frame []byte, withBreak bool) error
}

// Counters are per-port transaction diagnostics.
type Counters struct {
	Requests    uint64 `json:"requests"`
	Responses   uint64 `json:"responses"`
	Timeouts    uint64 `json:"timeouts"`
	Cancelled   uint64 `json:"cancelled"`
	Corrupt     uint64 `json:"corrupt"`
	Unmatched   uint64 `json:"unmatched"`
	Unsolicited uint64 `json:"unsolicited"`
	Answered    uint64 `json:"answered"`
}

// Config holds layer settings.
type Config struct {
	ResponseWindow time.Duration
	// Source is the controller UID stamped into requests without one.
	Source wire.UID
}

type request struct {
	raw       []byte
	tn        uint8
	discovery bool
	broadcast bool
	cb        Callback
	dropped   int
	timer     scheduler.EventID
}

type portTxn struct {
	index    int
	line     Line
	state    State
	tn       uint8
	req      *request
	counters Counters
}

// Layer multiplexes RDM transactions onto attached ports.
type Layer struct {
	mu        sync.Mutex
	sched     *scheduler.Scheduler
	log       logrus.FieldLogger
	cfg       Config
	ports     map[int]*portTxn
	responder *Responder
}

// NewLayer creates a transaction layer driven by sched.
func NewLayer(cfg Config, sched *scheduler.Scheduler, log logrus.FieldLogger) *Layer {
	if cfg.ResponseWindow <= 0 {
		cfg.ResponseWindow = DefaultResponseWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Layer{
		sched: sched,
		log:   log.WithField("component", "rdm"),
		cfg:   cfg,
		ports: make(map[int]*portTxn),
	}
}

// Attach makes a port available for transactions.
func (l *Layer) Attach(index int, line Line) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports[index] = &portTxn{index: index, line: line}
}

// SetResponder installs the handler for requests arriving on input ports.
func (l *Layer) SetResponder(r *Responder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.responder = r
}

// Send starts a transaction for f on port. The transaction number is assigned
// by the layer and returned. cb receives exactly one Result.
func (l *Layer) Send(port int, f wire.Frame, cb Callback) (uint8, error) {
	if f.Source == 0 {
		f.Source = l.cfg.Source
	}
	raw, err := f.Encode()
	if err != nil {
		return 0, err
	}
	return l.send(port, raw, f.CommandClass == wire.DiscoveryCommand && f.PID == wire.PIDDiscUniqueBranch, f.Destination, cb)
}

// SendRaw starts a transaction for an already encoded frame, as produced by an
// external discovery algorithm. The transaction number is rewritten.
func (l *Layer) SendRaw(port int, raw []byte, cb Callback) (uint8, error) {
	f, err := wire.Decode(raw)
	if err != nil {
		return 0, err
	}
	buf := append([]byte(nil), raw[:int(raw[2])+2]...)
	return l.send(port, buf, f.CommandClass == wire.DiscoveryCommand && f.PID == wire.PIDDiscUniqueBranch, f.Destination, cb)
}

func (l *Layer) send(port int, raw []byte, discovery bool, dest wire.UID, cb Callback) (uint8, error) {
	l.mu.Lock()
	pt, ok := l.ports[port]
	if !ok {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownPort, port)
	}
	if pt.req != nil {
		l.mu.Unlock()
		return 0, ErrBusy
	}
	tn := pt.tn
	if err := wire.SetTransaction(raw, tn); err != nil {
		l.mu.Unlock()
		return 0, err
	}
	req := &request{
		raw:       raw,
		tn:        tn,
		discovery: discovery,
		broadcast: dest == wire.BroadcastUID || dest.Device() == 0xFFFFFFFF,
		cb:        cb,
	}
	pt.req = req
	pt.state = SuspendDmxTx
	pt.counters.Requests++
	line := pt.line
	l.mu.Unlock()

	if err := line.Suspend(func(now time.Time) { l.onIdle(pt, req) }); err != nil {
		l.mu.Lock()
		if pt.req == req {
			pt.req = nil
			pt.state = TransmittingDmx
		}
		l.mu.Unlock()
		return 0, fmt.Errorf("suspend port %d: %w", port, err)
	}
	return tn, nil
}

func (l *Layer) onIdle(pt *portTxn, req *request) {
	l.mu.Lock()
	if pt.req != req {
		l.mu.Unlock()
		return
	}
	pt.state = SendRdmRequest
	line := pt.line
	l.mu.Unlock()

	if err := line.SendRaw(req.raw, func(now time.Time) { l.onSent(pt, req, now) }); err != nil {
		l.resolve(pt, req, Result{Status: StatusFailed, Err: err})
	}
}

func (l *Layer) onSent(pt *portTxn, req *request, now time.Time) {
	l.mu.Lock()
	if pt.req != req {
		l.mu.Unlock()
		return
	}
	if req.broadcast && !req.discovery {
		l.mu.Unlock()
		l.resolve(pt, req, Result{Status: StatusBroadcast})
		return
	}
	pt.state = WaitResponseWindow
	req.timer = l.sched.At(now.Add(l.cfg.ResponseWindow), func(time.Time) {
		l.resolve(pt, req, Result{Status: StatusTimeout, Err: ErrTimeout})
	})
	l.mu.Unlock()
}

// Deliver hands a frame received on port to the layer. During a response
// window it is matched against the outstanding request; corrupt or unrelated
// frames are dropped and counted. Outside a transaction, requests for this
// node are passed to the responder.
func (l *Layer) Deliver(port int, raw []byte) {
	l.mu.Lock()
	pt, ok := l.ports[port]
	if !ok {
		l.mu.Unlock()
		return
	}
	req := pt.req
	if req == nil || pt.state != WaitResponseWindow {
		responder := l.responder
		if req == nil && responder != nil {
			l.mu.Unlock()
			l.answer(pt, responder, raw)
			return
		}
		pt.counters.Unsolicited++
		l.mu.Unlock()
		return
	}

	res := Result{Raw: append([]byte(nil), raw...), Status: StatusResponse}
	if req.discovery {
		uid, err := wire.DecodeDiscoveryResponse(raw)
		if err != nil {
			// collisions look like checksum failures; the caller sees them as silence
			req.dropped++
			pt.counters.Corrupt++
			l.mu.Unlock()
			return
		}
		res.Discovered = uid
	} else {
		f, err := wire.Decode(raw)
		if err != nil {
			req.dropped++
			pt.counters.Corrupt++
			l.mu.Unlock()
			return
		}
		if f.Transaction != req.tn || !f.CommandClass.Response() {
			req.dropped++
			pt.counters.Unmatched++
			l.mu.Unlock()
			return
		}
		res.Frame = f
	}
	l.mu.Unlock()
	l.resolve(pt, req, res)
}

func (l *Layer) answer(pt *portTxn, r *Responder, raw []byte) {
	resp, withBreak, err := r.HandleRaw(raw)
	if err != nil {
		l.mu.Lock()
		pt.counters.Corrupt++
		l.mu.Unlock()
		return
	}
	if resp == nil {
		return
	}
	if err := pt.line.Respond(resp, withBreak); err != nil {
		l.log.WithError(err).WithField("port", pt.index).Debug("Responder answer not sent")
		return
	}
	l.mu.Lock()
	pt.counters.Answered++
	l.mu.Unlock()
}

// Cancel abandons the outstanding transaction on port and returns it to DMX
// output at once. It reports whether anything was cancelled.
func (l *Layer) Cancel(port int) bool {
	l.mu.Lock()
	pt, ok := l.ports[port]
	if !ok || pt.req == nil {
		l.mu.Unlock()
		return false
	}
	req := pt.req
	l.mu.Unlock()
	return l.resolve(pt, req, Result{Status: StatusCancelled, Err: ErrCancelled})
}

// CancelAll cancels every outstanding transaction.
func (l *Layer) CancelAll() {
	l.mu.Lock()
	var ports []int
	for i, pt := range l.ports {
		if pt.req != nil {
			ports = append(ports, i)
		}
	}
	l.mu.Unlock()
	for _, i := range ports {
		l.Cancel(i)
	}
}

// resolve ends req once; later calls for the same request are ignored.
func (l *Layer) resolve(pt *portTxn, req *request, res Result) bool {
	l.mu.Lock()
	if pt.req != req {
		l.mu.Unlock()
		return false
	}
	if req.timer != 0 {
		l.sched.Cancel(req.timer)
	}
	pt.req = nil
	pt.state = TransmittingDmx
	pt.tn++
	switch res.Status {
	case StatusResponse:
		pt.counters.Responses++
	case StatusTimeout:
		pt.counters.Timeouts++
	case StatusCancelled:
		pt.counters.Cancelled++
	}
	res.Port = pt.index
	res.Transaction = req.tn
	res.Dropped = req.dropped
	line := pt.line
	l.mu.Unlock()

	if err := line.Resume(); err != nil {
		l.log.WithError(err).WithField("port", pt.index).Debug("Resume after RDM")
	}
	if res.Status == StatusTimeout {
		l.log.WithFields(logrus.Fields{"port": pt.index, "tn": req.tn}).Debug("RDM response timeout")
	}
	if req.cb != nil {
		req.cb(res)
	}
	return true
}

// State returns the transaction state of port.
func (l *Layer) State(port int) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pt, ok := l.ports[port]; ok {
		return pt.state
	}
	return TransmittingDmx
}

// Outstanding reports whether port has a transaction in progress.
func (l *Layer) Outstanding(port int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pt, ok := l.ports[port]
	return ok && pt.req != nil
}

// Counters returns the diagnostics of port.
func (l *Layer) Counters(port int) Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pt, ok := l.ports[port]; ok {
		return pt.counters
	}
	return Counters{}
}
