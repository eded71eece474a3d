// Package protocol defines the JSON wire envelope exchanged between the
// conductor, connected agents, and the baton core, along with the typed
// payloads each message type carries and the validation applied before an
// envelope is routed.
package protocol
