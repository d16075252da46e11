// Package dedupe suppresses repeated push-channel envelopes by remembering
// their ids for a configurable window.
package dedupe
