// Package index implements the host-local location index protocol.
//
// The protocol is plain HTTP/1.1 against a single path:
//
//	GET /   x-nv-key: <key>
//	        -> 200 with x-nv-value: <location>, x-nv-size: <bytes>
//	PUT /   x-nv-key, x-nv-value, x-nv-size
//	        -> 200
//
// Records are advisory. A reader must verify that the advertised location
// still exists and has the advertised size before trusting it.
package index
