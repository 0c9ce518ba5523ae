package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/leofalp/relay/ir"
)

type captureSink struct {
	records []*Record
}

func (s *captureSink) Record(_ context.Context, rec *Record) {
	s.records = append(s.records, rec)
}

func chunkStream(chunks ...ir.Chunk) ir.Stream {
	return func(yield func(ir.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func TestObserve_PassthroughAndBookkeeping(t *testing.T) {
	sink := &captureSink{}
	rec := &Record{RequestID: "req-1"}
	stream := Observe(context.Background(), chunkStream(
		ir.Chunk{Delta: ir.Delta{Role: ir.RoleAssistant, Content: "Hel"}},
		ir.Chunk{Delta: ir.Delta{Content: "lo"}},
		ir.Chunk{FinishReason: "stop", Usage: &ir.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}},
	), rec, sink)

	var got []ir.Chunk
	for chunk, err := range stream {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, chunk)
	}

	if len(got) != 3 {
		t.Fatalf("chunks forwarded: got %d", len(got))
	}
	if got[0].Delta.Content != "Hel" || got[2].FinishReason != "stop" {
		t.Errorf("chunks mutated: %+v", got)
	}
	if rec.ChunkCount != 3 {
		t.Errorf("chunk count: got %d", rec.ChunkCount)
	}
	if rec.Usage.InputTokens != 10 || rec.Usage.TotalTokens != 12 {
		t.Errorf("usage: got %+v", rec.Usage)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status: got %q", rec.Status)
	}
	if rec.TTFT <= 0 {
		t.Errorf("ttft not recorded: %v", rec.TTFT)
	}
	if len(sink.records) != 1 || sink.records[0] != rec {
		t.Errorf("sink: got %+v", sink.records)
	}
}

func TestObserve_ConsumerBreakIsClientDisconnect(t *testing.T) {
	sink := &captureSink{}
	rec := &Record{}
	stream := Observe(context.Background(), chunkStream(
		ir.Chunk{Delta: ir.Delta{Content: "a"}},
		ir.Chunk{Delta: ir.Delta{Content: "b"}},
		ir.Chunk{FinishReason: "stop"},
	), rec, sink)

	for range stream {
		break
	}

	if rec.Status != StatusClientDisconnect {
		t.Errorf("status: got %q", rec.Status)
	}
	if rec.ChunkCount != 1 {
		t.Errorf("partial chunk count not preserved: got %d", rec.ChunkCount)
	}
	if len(sink.records) != 1 {
		t.Errorf("sink calls: got %d", len(sink.records))
	}
}

func TestObserve_UpstreamError(t *testing.T) {
	sink := &captureSink{}
	rec := &Record{}
	upstream := func(yield func(ir.Chunk, error) bool) {
		if !yield(ir.Chunk{Delta: ir.Delta{Content: "a"}}, nil) {
			return
		}
		yield(ir.Chunk{}, errors.New("boom"))
	}

	var sawErr error
	for _, err := range Observe(context.Background(), upstream, rec, sink) {
		if err != nil {
			sawErr = err
		}
	}

	if sawErr == nil {
		t.Fatal("error not forwarded")
	}
	if rec.Status != StatusUpstreamError {
		t.Errorf("status: got %q", rec.Status)
	}
}

func TestObserve_FinalizeOnce(t *testing.T) {
	rec := &Record{}
	if !rec.Finalize(StatusCompleted) {
		t.Fatal("first finalize refused")
	}
	if rec.Finalize(StatusClientDisconnect) {
		t.Error("second finalize accepted")
	}
	if rec.Status != StatusCompleted {
		t.Errorf("status overwritten: %q", rec.Status)
	}
}

func TestUsageTap_TapsWithoutMutatingBytes(t *testing.T) {
	raw := "data: {\"first\":true}\n\n" +
		"data: {\"usage\":{\"in\":10,\"out\":2}}\n\n" +
		"data: [DONE]\n\n"

	extract := func(data []byte) *ir.Usage {
		if !strings.Contains(string(data), "usage") {
			return nil
		}
		return &ir.Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}
	}

	rec := &Record{}
	tap := NewUsageTap(io.NopCloser(strings.NewReader(raw)), extract, rec)

	// Small reads exercise line reassembly across Read boundaries.
	var forwarded strings.Builder
	buf := make([]byte, 7)
	for {
		n, err := tap.Read(buf)
		forwarded.Write(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}

	if forwarded.String() != raw {
		t.Errorf("client bytes altered:\n got %q\nwant %q", forwarded.String(), raw)
	}
	if rec.Usage.InputTokens != 10 || rec.Usage.OutputTokens != 2 || rec.Usage.TotalTokens != 12 {
		t.Errorf("tapped usage: got %+v", rec.Usage)
	}
}

func TestUsageTap_TrailingFrameWithoutNewline(t *testing.T) {
	raw := `data: {"usage":true}`
	extract := func([]byte) *ir.Usage {
		return &ir.Usage{TotalTokens: 5}
	}
	rec := &Record{}
	tap := NewUsageTap(io.NopCloser(strings.NewReader(raw)), extract, rec)
	if _, err := io.ReadAll(tap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Usage.TotalTokens != 5 {
		t.Errorf("trailing frame not tapped: %+v", rec.Usage)
	}
}
