package sutter_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/oplab/sutter/generichttp"
	"github.com/oplab/sutter/server/middleware/locker"
	"github.com/oplab/sutter/sutter"
)

func newTestServer(t *testing.T) (*httptest.Server, *sutter.Mock) {
	t.Helper()
	mock := sutter.NewMock()
	dev, err := sutter.NewMP285(mock, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	wrapper := sutter.NewHTTPWrapper(dev)
	ser := &locker.Serializer{}
	r := chi.NewRouter()
	r.Use(ser.Check)
	wrapper.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { dev.Close() })
	return srv, mock
}

func TestHTTPGetPos(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.SetSteps(10000, 20000, 30000)
	resp, err := http.Get(srv.URL + "/pos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	pos := sutter.Position{}
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if pos.X != 400 || pos.Y != 800 || pos.Z != 1200 {
		t.Fatalf("expected (400, 800, 1200), got %v", pos)
	}
}

func TestHTTPMoveRespondsWithElapsed(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(sutter.Position{X: 10, Y: 20, Z: 30})
	resp, err := http.Post(srv.URL+"/pos", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	f := generichttp.FloatT{}
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatal(err)
	}
	if f.F64 < 0 {
		t.Error("elapsed seconds cannot be negative")
	}
}

func TestHTTPVelocityOutOfRangeIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(sutter.VelocityT{Velocity: 40000, ScaleFactor: 10})
	resp, err := http.Post(srv.URL+"/velocity", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unencodable velocity, got %d", resp.StatusCode)
	}
}

func TestHTTPStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	cal := sutter.Calibration{}
	if err := json.NewDecoder(resp.Body).Decode(&cal); err != nil {
		t.Fatal(err)
	}
	if cal.StepMult != 25 || cal.Velocity != 200 || cal.ScaleFactor != 10 {
		t.Fatalf("unexpected calibration over HTTP: %+v", cal)
	}
}

func TestHTTPOriginThenPos(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.SetSteps(1, 2, 3)
	resp, err := http.Post(srv.URL+"/origin", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/pos")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	pos := sutter.Position{}
	if err := json.NewDecoder(resp.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if pos != (sutter.Position{}) {
		t.Fatalf("expected the origin, got %v", pos)
	}
}

func TestHTTPDegraded(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/degraded")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b := generichttp.BoolT{}
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if b.Bool {
		t.Error("mock-backed device should not be degraded")
	}
}
