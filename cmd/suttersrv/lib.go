package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"

	"github.com/oplab/sutter/generichttp"
	"github.com/oplab/sutter/server/middleware/locker"
	"github.com/oplab/sutter/sutter"
)

// Verbosity is an enumerated logging level
type Verbosity int

// quiet prints results only; normal adds informational messages; debug logs
// every HTTP request
const (
	Quiet Verbosity = iota
	Normal
	Debug
)

// ParseVerbosity converts a config string to a Verbosity
func ParseVerbosity(s string) (Verbosity, error) {
	switch s {
	case "quiet":
		return Quiet, nil
	case "", "normal":
		return Normal, nil
	case "debug":
		return Debug, nil
	}
	return Normal, fmt.Errorf("verbosity %q not understood, expected quiet|normal|debug", s)
}

// Config holds the initialization parameters for the server and the device.
// It is populated from suttersrv.yml by koanf.
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"Addr"`

	// Endpoint is the URL the device routes are mounted under,
	// e.g. "/mp285" produces routes of /mp285/pos, etc.
	Endpoint string `koanf:"endpoint" yaml:"Endpoint"`

	// DeviceAddr is the serial port, or the terminal server address for a
	// device connected to e.g. port 6 on a digi portserver
	DeviceAddr string `koanf:"deviceaddr" yaml:"DeviceAddr"`

	// Serial determines if the connection is serial/RS232 (true) or TCP (false)
	Serial bool `koanf:"serial" yaml:"Serial"`

	// TimeoutSec bounds each blocking read on the link
	TimeoutSec int `koanf:"timeoutsec" yaml:"TimeoutSec"`

	// Mock substitutes a protocol simulator for real hardware
	Mock bool `koanf:"mock" yaml:"Mock"`

	// Verbosity is one of quiet, normal, debug
	Verbosity string `koanf:"verbosity" yaml:"Verbosity"`
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c Config) verbosity() Verbosity {
	v, err := ParseVerbosity(c.Verbosity)
	if err != nil {
		log.Fatal(err)
	}
	return v
}

// newDevice opens the controller described by the config.  Connection
// failures are fatal here; the process owner decides whether to relaunch.
func newDevice(c Config) *sutter.MP285 {
	var (
		dev *sutter.MP285
		err error
	)
	switch {
	case c.Mock:
		dev, err = sutter.NewMP285(sutter.NewMock(), c.timeout())
	case c.Serial:
		dev, err = sutter.NewSerial(c.DeviceAddr, c.timeout())
	default:
		dev, err = sutter.NewTCP(c.DeviceAddr, c.timeout())
	}
	if err != nil {
		log.Fatal(err)
	}
	if dev.Degraded() {
		log.Println("WARNING: MP-285 did not confirm the startup velocity; the link is usable but the controller state is suspect")
	} else if c.verbosity() >= Normal {
		log.Println("MP-285 ready,", dev.Calibration().StepMult, "usteps/um")
	}
	return dev
}

// BuildMux mounts the device wrapper on a chi router with the lock and
// serialization middleware applied
func BuildMux(c Config, httper generichttp.HTTPer) chi.Router {
	root := chi.NewRouter()
	if c.verbosity() >= Debug {
		root.Use(middleware.Logger)
	}

	lock := locker.New()
	locker.Inject(httper, lock)

	// the MP-285 link is half duplex; one request at a time
	ser := &locker.Serializer{}

	r := chi.NewRouter()
	r.Use(ser.Check)
	r.Use(lock.Check)
	httper.RT().Bind(r)
	root.Mount(generichttp.SubMuxSanitize(c.Endpoint), r)

	endpoints := make([]string, 0)
	for _, e := range httper.RT().Endpoints() {
		endpoints = append(endpoints, generichttp.SubMuxSanitize(c.Endpoint)+e)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(endpoints)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}

func run(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	httper := sutter.NewHTTPWrapper(dev)
	mux := BuildMux(c, httper)
	log.Println("now listening for requests at", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

// monitor polls the stage position once a second and prints it.  Transient
// read failures are retried with exponential backoff; retry policy lives
// here in the caller, never in the driver.
func monitor(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	for {
		limiter.Wait(context.Background())
		var pos sutter.Position
		op := func() error {
			var err error
			pos, err = dev.GetPosition()
			return err
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     250 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         2 * time.Second,
			MaxElapsedTime:      15 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			log.Fatal("giving up on position query: ", err)
		}
		fmt.Println(time.Now().Format(time.RFC3339), pos)
	}
}

// Step is one entry in a sequence file: an absolute target and a hold time
type Step struct {
	Pos   sutter.Position `yaml:"pos"`
	Pause float64         `yaml:"pause"`
}

func loadSequence(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var steps []Step
	err = yaml.NewDecoder(f).Decode(&steps)
	return steps, err
}

func newSpinner(msg string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " " + msg,
		StopCharacter: "done",
	})
}

// seqRun executes a sequence of moves with pauses, the bench workflow the
// front panel cannot do on its own
func seqRun(c Config, path string) {
	steps, err := loadSequence(path)
	if err != nil {
		log.Fatal(err)
	}
	if len(steps) == 0 {
		log.Fatal("the sequence file is empty")
	}
	dev := newDevice(c)
	defer dev.Close()
	for i, step := range steps {
		spin, err := newSpinner(fmt.Sprintf("step %d: %v", i, step.Pos))
		if err != nil {
			log.Fatal(err)
		}
		spin.Start()
		elapsed, err := dev.GotoPosition(step.Pos)
		spin.Stop()
		if err != nil {
			log.Fatal("sequence aborted at step ", i, ": ", err)
		}
		if c.verbosity() >= Normal {
			fmt.Printf("step %d complete in %.2f sec, holding %.2f sec\n", i, elapsed.Seconds(), step.Pause)
		}
		time.Sleep(time.Duration(step.Pause * float64(time.Second)))
	}
	fmt.Println("run completed")
}

func moveCmd(c Config, args []string) {
	if len(args) != 3 {
		log.Fatal("move requires three coordinates:  suttersrv move <x> <y> <z>")
	}
	var um [3]float64
	for i, s := range args {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			log.Fatal("could not parse coordinate ", s, ": ", err)
		}
		um[i] = f
	}
	dev := newDevice(c)
	defer dev.Close()
	pos := sutter.Position{X: um[0], Y: um[1], Z: um[2]}
	spin, err := newSpinner(fmt.Sprint("moving to ", pos))
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	elapsed, err := dev.GotoPosition(pos)
	spin.Stop()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("move completed in %.2f sec\n", elapsed.Seconds())
}

func posCmd(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	pos, err := dev.GetPosition()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(pos)
}

func statusCmd(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	cal, err := dev.GetStatus()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("step multiplier (usteps/um):", cal.StepMult)
	fmt.Println("velocity (steps/sec):", cal.Velocity)
	fmt.Println("velocity scale factor (usteps/step):", cal.ScaleFactor)
}

func velocityCmd(c Config, args []string) {
	if len(args) < 1 {
		log.Fatal("velocity requires a magnitude:  suttersrv velocity <steps/sec> [10|50]")
	}
	vel, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatal("could not parse velocity: ", err)
	}
	scale := 10
	if len(args) > 1 {
		scale, err = strconv.Atoi(args[1])
		if err != nil {
			log.Fatal("could not parse scale factor: ", err)
		}
	}
	dev := newDevice(c)
	defer dev.Close()
	if err := dev.SetVelocity(vel, scale); err != nil {
		log.Fatal(err)
	}
	fmt.Println("velocity:", vel, "scale factor:", scale)
}

func originCmd(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	if err := dev.SetOrigin(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("coordinates set to [0, 0, 0]")
}

func panelCmd(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	if err := dev.UpdatePanel(); err != nil {
		log.Fatal(err)
	}
}

func resetCmd(c Config) {
	dev := newDevice(c)
	defer dev.Close()
	if err := dev.Reset(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("controller reset")
}
