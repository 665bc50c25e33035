// Package queue is the durable notification queue. Records are appended one
// at a time into a RecordStore (goleveldb or sqlite), read in bulk and cleared
// by the Drainer when a reconnection signal arrives.
package queue
