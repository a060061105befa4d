// Package protocol owns the GSP wire contract used to talk to datalogger
// devices over BLE.
//
// Ownership boundary:
// - protocol table (service/characteristic UUIDs, op and response tags)
// - command framing: op | reference | payload
// - notification parsing: tag | reference | body
// - error taxonomy shared by session, retry and datalogger
package protocol
