// Package openaichat implements the OpenAI Chat Completions wire dialect.
//
// Chat Completions is the closest format to the IR, so both directions are
// mostly field-for-field copies. The interesting part is usage accounting:
// the wire reports prompt/completion totals with cached and reasoning
// counts nested in detail blocks, while the IR keeps input exclusive of
// cached tokens and output exclusive of reasoning tokens.
package openaichat
