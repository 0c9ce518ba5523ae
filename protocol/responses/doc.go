// Package responses implements the OpenAI Responses wire dialect.
//
// A Responses reply is a list of typed output items (message, reasoning,
// function_call) rather than a single choice, and its stream is a lifecycle
// event sequence with an injected monotonic sequence_number. The stream
// formatter is the largest state machine in the transformer layer: items
// are created lazily as deltas arrive, share one output index space, and
// are finalized together on stream end.
package responses
