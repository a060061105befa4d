// Package sbem decodes the self-describing binary logs stored by the
// datalogger into typed, timestamped samples.
//
// A log is the magic "SBEM", four version bytes, then records of
// id | len | body. Record id 0 carries a descriptor that declares the
// path, value kind, width, count and sample rate for a data id. Data
// records start with a u32 tick (ms since boot) followed by value groups.
// A time reference stream pairs ticks with UTC microseconds; sample times
// are interpolated between the bracketing references.
package sbem
