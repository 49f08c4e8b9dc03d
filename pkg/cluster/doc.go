// Package cluster connects Argus nodes over websocket JSON-RPC
// notifications. Every message is fire-and-forget: a peer that is down
// simply misses it, and stale messages beyond the replay horizon are
// dropped on receive. Delivery toward one endpoint is FIFO through a
// dedicated writer goroutine; there is no ordering across endpoints and
// no request/response pairing.
package cluster
