// Package auth verifies expiring stream signatures passed as the "sign" query argument.
package auth
