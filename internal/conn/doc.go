// Package conn manages the pooled HTTP connections used to reach the index
// service and the background reaper that closes connections left idle.
package conn
