// Package stream provides the process-wide stream registry.
// It tracks live sessions, the single publisher of each stream path, and players
// waiting for a publisher to appear.
package stream
