package main

import "time"

const (
	txQueueSize       = 256  // per-bus driver mailbox
	serialReadBufSize = 4096 // per read() buffer for serial backend
	rxBackoffMin      = 20 * time.Millisecond
	rxBackoffMax      = 500 * time.Millisecond
)

const (
	driverSocketCAN  = "socketcan"
	driverSerial     = "serial"
	driverCannelloni = "cannelloni"
	driverLoopback   = "loopback"
)
