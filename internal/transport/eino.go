package transport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/chatloop-ai/chatloop/pkg/types"
)

// ModelChannel adapts an Eino chat model to the Streamer and Completer
// contracts, for deployments that talk to an LLM provider directly
// instead of a chatloop-speaking endpoint. Eino providers have no notion
// of a server session identifier, so terminal chunks never carry one.
type ModelChannel struct {
	chatModel model.ToolCallingChatModel
}

// NewModelChannel wraps an Eino chat model.
func NewModelChannel(chatModel model.ToolCallingChatModel) *ModelChannel {
	return &ModelChannel{chatModel: chatModel}
}

// einoMessages converts a request's history plus the new user text into
// the Eino message shape.
func einoMessages(req Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case types.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case types.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		case types.RoleSystem:
			msgs = append(msgs, schema.SystemMessage(m.Content))
		}
		// Tool and error messages are local bookkeeping, not model input.
	}
	return append(msgs, schema.UserMessage(req.Text))
}

// Open starts a streaming exchange against the model.
func (c *ModelChannel) Open(ctx context.Context, req Request) (Stream, error) {
	reader, err := c.chatModel.Stream(ctx, einoMessages(req))
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return &einoStream{
		reader:   reader,
		toolArgs: make(map[string]string),
		toolIdx:  make(map[string]int),
	}, nil
}

// Complete issues a single-shot exchange against the model.
func (c *ModelChannel) Complete(ctx context.Context, req Request) (Completion, error) {
	msg, err := c.chatModel.Generate(ctx, einoMessages(req))
	if err != nil {
		return Completion{}, fmt.Errorf("generate: %w", err)
	}

	completion := Completion{Content: msg.Content}
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		completion.Usage = &types.TokenUsage{
			Input:  msg.ResponseMeta.Usage.PromptTokens,
			Output: msg.ResponseMeta.Usage.CompletionTokens,
		}
	}
	return completion, nil
}

// einoStream converts Eino message chunks into transport chunks. Some
// providers deliver cumulative content rather than deltas, so the stream
// tracks what it has already emitted and strips the known prefix.
type einoStream struct {
	reader *schema.StreamReader[*schema.Message]

	content  string
	toolArgs map[string]string
	toolIdx  map[string]int
	nextIdx  int

	// queued holds chunks derived from one provider message beyond the
	// first; Recv drains it before reading again.
	queued []Chunk

	reason string
	usage  *types.TokenUsage
	done   bool
}

func (s *einoStream) Recv() (Chunk, error) {
	if len(s.queued) > 0 {
		chunk := s.queued[0]
		s.queued = s.queued[1:]
		return chunk, nil
	}
	if s.done {
		return nil, io.EOF
	}

	for {
		msg, err := s.reader.Recv()
		if err == io.EOF {
			s.done = true
			reason := s.reason
			if reason == "" {
				if len(s.toolIdx) > 0 {
					reason = "tool_use"
				} else {
					reason = "stop"
				}
			}
			return Finish{Reason: reason, Usage: s.usage}, nil
		}
		if err != nil {
			return nil, err
		}

		chunks := s.absorb(msg)
		if len(chunks) == 0 {
			continue
		}
		s.queued = chunks[1:]
		return chunks[0], nil
	}
}

// absorb folds one provider message into stream state and returns the
// transport chunks it produced.
func (s *einoStream) absorb(msg *schema.Message) []Chunk {
	var chunks []Chunk

	if delta := stripKnown(s.content, msg.Content); delta != "" {
		s.content += delta
		chunks = append(chunks, ContentDelta{Text: delta})
	}

	for _, tc := range msg.ToolCalls {
		idx, seen := s.toolIdx[tc.ID]
		if !seen {
			if tc.Index != nil {
				idx = *tc.Index
			} else {
				idx = s.nextIdx
			}
			s.nextIdx = idx + 1
			s.toolIdx[tc.ID] = idx
			chunks = append(chunks, ToolCallDelta{
				Index: idx,
				ID:    tc.ID,
				Name:  tc.Function.Name,
			})
		}

		if delta := stripKnown(s.toolArgs[tc.ID], tc.Function.Arguments); delta != "" {
			s.toolArgs[tc.ID] += delta
			chunks = append(chunks, ToolCallDelta{
				Index:     idx,
				ID:        tc.ID,
				ArgsDelta: delta,
			})
		}
	}

	if msg.ResponseMeta != nil {
		if msg.ResponseMeta.FinishReason != "" {
			s.reason = msg.ResponseMeta.FinishReason
		}
		if msg.ResponseMeta.Usage != nil {
			s.usage = &types.TokenUsage{
				Input:  msg.ResponseMeta.Usage.PromptTokens,
				Output: msg.ResponseMeta.Usage.CompletionTokens,
			}
		}
	}

	return chunks
}

// stripKnown returns the part of next that extends seen. Cumulative
// providers resend the full text; delta providers send only new text.
func stripKnown(seen, next string) string {
	if next == "" {
		return ""
	}
	if strings.HasPrefix(next, seen) && len(next) > len(seen) {
		return next[len(seen):]
	}
	if next == seen {
		return ""
	}
	return next
}

func (s *einoStream) Close() error {
	s.reader.Close()
	return nil
}
