package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Ark drives a chat model through an eino chain and exposes the streamed
// chunks as fragments.
type Ark struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewArk compiles a prompt-template -> chat-model chain around the model.
func NewArk(ctx context.Context, chatModel model.ChatModel) (*Ark, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Ark{chain: runnable}, nil
}

// Generate starts a model stream for the prompt.
func (a *Ark) Generate(ctx context.Context, prompt string) (Stream, error) {
	reader, err := a.chain.Stream(ctx, map[string]any{"query": prompt})
	if err != nil {
		return nil, Classify(ctx, err)
	}
	return &arkStream{ctx: ctx, reader: reader}, nil
}

type arkStream struct {
	ctx    context.Context
	reader *schema.StreamReader[*schema.Message]
}

// Recv skips empty chunks so every delivered fragment carries text.
func (s *arkStream) Recv() (Fragment, error) {
	for {
		msg, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			return Fragment{}, io.EOF
		}
		if err != nil {
			return Fragment{}, Classify(s.ctx, err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		return Fragment{Text: msg.Content}, nil
	}
}

func (s *arkStream) Close() {
	s.reader.Close()
}
