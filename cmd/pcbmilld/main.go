// SPDX-License-Identifier: AGPL-3.0-or-later

// Command pcbmilld is the composition root: it opens a serial Link, wires
// it to a grbl.Driver, builds the workflow controllers on top of it and
// serves the HTTP API, or with -enable-proxy runs only the serial proxy
// instead; either way it blocks until terminated.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/coppercut/pcbmill/api"
	"github.com/coppercut/pcbmill/control"
	"github.com/coppercut/pcbmill/grbl"
	"github.com/coppercut/pcbmill/proxy"
	"github.com/coppercut/pcbmill/telemetry"
	"github.com/coppercut/pcbmill/wait"
)

func main() {
	portName := flag.String("port", "COM3", "Serial port name")
	baud := flag.Int("baud", 115200, "Serial port baud rate")
	addr := flag.String("addr", ":9000", "HTTP listen address")
	proxyPort := flag.Int("proxy-port", 9001, "TCP listen port for the serial proxy")
	enableProxy := flag.Bool("enable-proxy", false, "Run the serial proxy instead of driving the port locally")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *enableProxy {
		runProxy(*portName, *baud, *proxyPort)
		return
	}
	runDriver(*portName, *baud, *addr)
}

func runProxy(portName string, baud, proxyPort int) {
	cfg := proxy.DefaultConfig()
	cfg.SerialPortName = portName
	cfg.Baud = baud
	cfg.ListenPort = proxyPort

	p := proxy.New(cfg, nil)
	if err := p.Start(); err != nil {
		slog.Error("failed to start serial proxy", "error", err)
		os.Exit(1)
	}
	slog.Info("serial proxy running", "port", proxyPort, "serial", portName)
	select {}
}

func runDriver(portName string, baud int, addr string) {
	link, err := grbl.OpenSerial(portName, baud, true)
	if err != nil {
		slog.Error("failed to open serial port", "port", portName, "error", err)
		os.Exit(1)
	}

	driver := grbl.New(grbl.DefaultConfig())

	lineDB := telemetry.NewLineDB()
	driver.SetLineRecorder(lineDB)

	if err := driver.Connect(link); err != nil {
		slog.Error("failed to connect driver", "error", err)
		os.Exit(1)
	}
	defer driver.Disconnect()

	tsdb := telemetry.NewTSDB()
	recorder := telemetry.NewRecorder(driver, tsdb)
	defer recorder.Stop()

	waiter := wait.New(driver, wait.DefaultConfig())

	toolchange := control.NewToolChangeController(driver, waiter, control.DefaultToolChangeOptions())

	var mill *control.MillingController
	mill = control.NewMillingController(driver, waiter, control.DefaultMillingOptions(), func(info control.ToolChangeInfo) {
		go func() {
			done, err := toolchange.HandleToolChange(info)
			if err != nil {
				slog.Error("tool change failed", "error", err)
				return
			}
			if !done {
				slog.Warn("tool change did not complete")
				return
			}
			if err := mill.HandleToolChangeComplete(driver.File()); err != nil {
				slog.Error("failed to resume milling after tool change", "error", err)
			}
		}()
	})

	probe := control.NewProbeController(driver, waiter, control.DefaultProbeOptions())

	server := api.NewServer(driver, waiter, mill, probe, toolchange, lineDB, tsdb)

	slog.Info("HTTP API listening", "addr", addr)
	if err := api.StartHTTPServer(addr, server); err != nil {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
}
