// Package pipeline carries the per-request stream bookkeeping that sits
// between the transformer layer and the client encoder: a transparent
// observer that records usage, time-to-first-token and chunk counts, a
// bypass tap that reads usage off raw SSE bytes when no translation is
// needed, and the sink contract that receives the finalized record.
package pipeline
