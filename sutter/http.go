package sutter

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/oplab/sutter/generichttp"
)

// VelocityT is the JSON body of a set velocity request
type VelocityT struct {
	Velocity    int `json:"velocity"`
	ScaleFactor int `json:"scaleFactor"`
}

// httpCode maps driver errors onto HTTP statuses; encoding rejections are
// the client's fault, a move timeout is the device's
func httpCode(err error) int {
	switch err.(type) {
	case RangeError:
		return http.StatusBadRequest
	case MoveTimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface
type HTTPWrapper struct {
	// MP285 is the controller being wrapped
	*MP285

	// RouteTable maps method/path pairs to handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.  The wrapper does not serialize requests itself; bind it
// behind a locker.Serializer, the device is half duplex.
func NewHTTPWrapper(m *MP285) HTTPWrapper {
	w := HTTPWrapper{MP285: m}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/pos"}:       w.httpGetPos,
		{Method: http.MethodPost, Path: "/pos"}:      w.httpMove,
		{Method: http.MethodGet, Path: "/status"}:    w.httpStatus,
		{Method: http.MethodPost, Path: "/velocity"}: w.httpSetVelocity,
		{Method: http.MethodPost, Path: "/origin"}:   w.httpSetOrigin,
		{Method: http.MethodPost, Path: "/panel"}:    w.httpUpdatePanel,
		{Method: http.MethodPost, Path: "/reset"}:    w.httpReset,
		{Method: http.MethodGet, Path: "/degraded"}: generichttp.GetBool(
			func() (bool, error) { return m.Degraded(), nil }),
	}
	w.RouteTable = rt
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// httpGetPos returns the stage position as {"x": ..., "y": ..., "z": ...}
func (h HTTPWrapper) httpGetPos(w http.ResponseWriter, r *http.Request) {
	pos, err := h.GetPosition()
	if err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(pos); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// httpMove moves to the position in the request body and responds with the
// elapsed move time in seconds as {"f64": ...}
func (h HTTPWrapper) httpMove(w http.ResponseWriter, r *http.Request) {
	pos := Position{}
	err := json.NewDecoder(r.Body).Decode(&pos)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	elapsed, err := h.GotoPosition(pos)
	if err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: elapsed.Seconds()}
	hp.EncodeAndRespond(w, r)
}

// httpStatus refreshes the calibration state and returns it
func (h HTTPWrapper) httpStatus(w http.ResponseWriter, r *http.Request) {
	cal, err := h.GetStatus()
	if err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(cal); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h HTTPWrapper) httpSetVelocity(w http.ResponseWriter, r *http.Request) {
	v := VelocityT{ScaleFactor: 10}
	err := json.NewDecoder(r.Body).Decode(&v)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.SetVelocity(v.Velocity, v.ScaleFactor); err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) httpSetOrigin(w http.ResponseWriter, r *http.Request) {
	if err := h.SetOrigin(); err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) httpUpdatePanel(w http.ResponseWriter, r *http.Request) {
	if err := h.UpdatePanel(); err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) httpReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Reset(); err != nil {
		http.Error(w, err.Error(), httpCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
