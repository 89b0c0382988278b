// Package event provides the typed notification bus for session lifecycle events.
package event
