// Package intake decouples irregular transport delivery sizes from parsers that consume
// fixed byte counts. A Buffer queues received chunks; Run parks a Parser until the bytes
// it declared are available or the buffer is stopped.
package intake
