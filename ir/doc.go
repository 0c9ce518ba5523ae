// Package ir defines the provider-neutral intermediate representation shared
// by every protocol transformer in the gateway.
//
// All four wire dialects (OpenAI Chat Completions, Anthropic Messages, Google
// Gemini GenerateContent, OpenAI Responses) parse into and format out of these
// types. The IR deliberately carries no provider-specific fields; anything a
// dialect needs to round-trip opaquely (such as cache_control markers on text
// parts) is tagged as raw passthrough data.
//
// Streaming responses are represented as [Stream], an iter.Seq2 of [Chunk]
// values. Streams are lazy, finite and single-pass: each chunk is produced by
// exactly one transformer and consumed by exactly one downstream stage, and
// breaking out of the range loop releases the underlying upstream resources.
package ir
