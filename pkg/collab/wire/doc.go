// Package wire defines the collaboration wire protocol: the JSON frame
// envelope and the typed payloads exchanged between an editing session
// and a collaboration endpoint.
//
// Every frame is a single JSON object with a "type" tag, optional
// routing fields (workflow and user ids), and a type-specific payload.
// The package only encodes and decodes frames; it carries no connection
// or session state.
package wire
