// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package simctl is the client for the Lux hardware simulation service.
//
// The service runs embedded firmware on simulated boards. This package
// speaks its websocket protocol: one persistent duplex session carrying
// correlated request/response commands and server-push event streams.
//
// # Usage
//
// Asynchronous client:
//
//	client := simctl.NewClient(token,
//	    simctl.WithServerURL(simctl.ServerURLFromEnv()),
//	    simctl.WithLogger(logger))
//	info, err := client.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Upload firmware and boot the simulation
//	err = client.UploadFile(ctx, "diagram.json", "")
//	err = client.Upload(ctx, "firmware.bin", firmware)
//	err = client.StartSimulation(ctx, simctl.SimStartParams{Firmware: "firmware.bin"})
//
//	// Stream console output while the simulation runs
//	go client.SerialTee(ctx, os.Stdout)
//
//	// Run 5 simulated seconds, then inspect a pin
//	err = client.WaitUntilSimulationTime(ctx, 5*time.Second)
//	state, err := client.PinRead(ctx, "esp", "D13")
//
// Blocking facade, for programs without their own concurrency model:
//
//	client, err := simctl.NewBlockingClient(token)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	info, err := client.Connect()
//	err = client.Upload("firmware.bin", firmware)
//	err = client.StartSimulation(simctl.SimStartParams{Firmware: "firmware.bin"})
//	id, err := client.StreamSerialTo(os.Stdout)
//	err = client.WaitUntilSimulationTime(10 * time.Second)
//
// # Events
//
// Beyond the command wrappers, server-push events are available raw through
// the Transport. Register a listener for low-latency callbacks on the
// receive loop, or an EventQueue to consume at your own pace:
//
//	q := simctl.NewEventQueue(client.Transport(), simctl.EventPinChange)
//	defer q.Close()
//	ev, err := q.Get(ctx)
//
// # Architecture
//
// The package separates concerns:
//
//   - transport.go: session engine; handshake, correlation, event dispatch
//   - codec.go: wire frames and their classification
//   - queue.go: unbounded FIFO decoupling consumers from the receive loop
//   - client.go and the per-command files: typed command wrappers
//   - blocking.go: synchronous facade owning a worker goroutine
//   - firmware.go, fetch.go: firmware image assembly and artifact download
//
// Every session is cheap: two goroutines, one for receiving and one for
// keepalive. A Transport connects once; reconnection is the caller's
// decision, made by dialing a fresh one.
package simctl
