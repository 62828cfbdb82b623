// Package protocol groups the hostlink wire contract.
//
// Ownership boundary:
// - frame: fixed header framing and payload limits
// - tlv: field primitives
// - envelope: message envelope encode/decode and endpoints
package protocol
