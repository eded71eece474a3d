// Package router dispatches incoming protocol envelopes.
//
// Every envelope read off a WebSocket connection passes through
// Router.Route: validation first (invalid input is logged and dropped,
// never fatal), then envelope-id dedupe, then a per-type handler that
// mutates the agent manager or task queue. Successful mutations fan a
// derived event out to every pooled connection and append to the message
// log; handler failures are reported back to the sender as ERROR
// envelopes.
package router
