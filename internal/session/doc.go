// Package session owns one connection to one datalogger device.
//
// Ownership boundary:
// - connection lifecycle and handshake (lifecycle.go)
// - single-slot command channel with reference correlation (channel.go)
// - notification demultiplexing by response tag (demux.go)
// - log reassembly from data notifications (reassembly.go)
//
// A Session never retries on its own. Retry policy lives in package retry.
package session
