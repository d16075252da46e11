// ABOUTME: Package ingest keeps the live agent registry in sync with the coordinating backend.
// ABOUTME: It owns the push-channel client, the envelope codecs and the connection phase.

// Package ingest consumes the push channel.
//
// A Client holds one websocket session at a time. Text frames carry JSON
// envelopes and binary frames carry CBOR envelopes with the same shape:
//
//	{"id": "evt-1", "type": "agent.registered", "payload": {"agent": {...}}}
//
// Decoded envelopes go through Ingest.Apply, which is the only code holding
// the registry's Writer. Malformed or unknown envelopes are logged and
// dropped; events naming unknown agents are no-ops. Envelope ids, when
// present, are remembered for a short window so redelivered events are
// applied once.
package ingest
