// Package gemini implements the Google Gemini GenerateContent wire dialect.
//
// Gemini differs from the other dialects in two ways: the request path
// embeds the model name and streaming mode (":generateContent" vs
// ":streamGenerateContent?alt=sse"), and streamed chunks are monolithic
// candidate documents rather than lifecycle events, so the stream transform
// is stateless apart from tool-call ordering.
package gemini
