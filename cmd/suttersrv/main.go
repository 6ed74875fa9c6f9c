package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "suttersrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:       ":8000",
		Endpoint:   "/mp285",
		DeviceAddr: "/dev/ttyS0",
		Serial:     true,
		TimeoutSec: 30,
		Verbosity:  "normal"}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `suttersrv drives a Sutter MP-285 micropositioner and exposes an HTTP
interface to it.  This enables a server-client architecture, and the clients
can leverage the excellent HTTP libraries for any programming language.

Usage:
	suttersrv <command>

Commands:
	run        serve the HTTP interface
	monitor    poll and print the stage position
	seq        execute a sequence of moves from a yaml file
	move       move to an absolute position, um:  move <x> <y> <z>
	pos        print the stage position
	status     print the controller status
	velocity   set the move velocity:  velocity <steps/sec> [10|50]
	origin     make the current position the origin
	panel      refresh the VFD front panel
	reset      reset the controller
	mkconf     write the default config file
	conf       print the loaded config
	version
	help`
	fmt.Println(str)
}

func help() {
	str := `suttersrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

DeviceAddr is a serial port (/dev/ttyS4, COM3) when Serial is true, or a
terminal server address (192.168.100.123:2006) when it is false.  The MP-285
speaks 9600 8N1 only.  Mock substitutes a protocol simulator for hardware,
which is useful for developing clients away from the bench.

Verbosity is one of quiet, normal, debug.  debug logs every HTTP request.

A sequence file for the seq command is a yaml list of steps:

    - pos: {x: 100, y: 200, z: 50}
      pause: 2.5
    - pos: {x: 110, y: 200, z: 50}
      pause: 1

Each step moves the stage and then holds for pause seconds.  The file is
read once at startup; the core driver never touches storage.

The MP-285 link is half duplex: one command at a time.  The server enforces
this by serializing requests, so concurrent clients are safe, just queued.
A move in flight cannot be aborted; that is a protocol limitation, not a
server one.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("suttersrv version %v\n", Version)
}

func loadedConfig() Config {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "version":
		pversion()
	case "run":
		run(loadedConfig())
	case "monitor":
		monitor(loadedConfig())
	case "seq":
		if len(args) < 3 {
			log.Fatal("seq requires a sequence file:  suttersrv seq <file>")
		}
		seqRun(loadedConfig(), args[2])
	case "move":
		moveCmd(loadedConfig(), args[2:])
	case "pos":
		posCmd(loadedConfig())
	case "status":
		statusCmd(loadedConfig())
	case "velocity":
		velocityCmd(loadedConfig(), args[2:])
	case "origin":
		originCmd(loadedConfig())
	case "panel":
		panelCmd(loadedConfig())
	case "reset":
		resetCmd(loadedConfig())
	default:
		log.Fatal("unknown command ", cmd)
	}
}
