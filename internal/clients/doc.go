// Package clients implements the messaging channel between the edge process
// and the application windows it serves. Windows attach over a websocket on
// the client port; the Hub tracks them with their visibility, fans outbound
// messages out, and routes inbound envelopes through a Dispatcher keyed by
// message type. The same Dispatcher also backs the POST /-/message route.
package clients
