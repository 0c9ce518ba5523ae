// Package anthropic implements the Anthropic Messages wire dialect.
//
// The Messages API differs from the IR in three structural ways: the system
// prompt is a top-level field rather than a message, tool results live as
// content blocks on user messages rather than as tool-role turns, and
// streamed content is organized as a lifecycle of indexed blocks
// (content_block_start / _delta / _stop) rather than a flat delta chain.
// Both directions of this package are translations across those gaps.
//
// Anthropic reports one output_tokens figure spanning visible text and
// thinking. When a response carries thinking, the transformer imputes the
// split with the heuristic counter in internal/tokencount: output is the
// estimated text-only count, reasoning is the reported remainder.
package anthropic
