// Package history keeps a queryable SQLite log of session lifecycle events.
package history
