// Package api exposes the REST surface of the task service: listing, creating,
// patching and deleting tasks, plus health, metrics and the websocket endpoint
// mounted on the same listener.
package api
