// Package utils provides shared low-level helpers for the gateway: HTTP
// helpers for synchronous and streaming (SSE) upstream calls, an SSE pull
// scanner and frame encoder, JSON parsing with automatic repair, and small
// generic conveniences.
//
// Key entry points: [DoPost] for unary JSON round-trips, [DoPostStream]
// together with [SSEScanner] for Server-Sent Events, [EventFrame] and
// [DataFrame] for client-side SSE framing, and [ParseObject] for decoding
// model-produced JSON that may need repair.
package utils
