package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
)

// Reformulator produces alternative phrasings of a search query
type Reformulator interface {
	Reformulate(ctx context.Context, query string, max int) ([]string, error)
}

const reformulatePrompt = `You rewrite search queries for a document retrieval system.
The original query found no results. Produce %d alternative phrasings that
express the same information need with different vocabulary.
Answer with one phrasing per line and nothing else.`

// LLMReformulator rewrites queries with a text generation model
type LLMReformulator struct {
	generator llm.Generator
}

// NewLLMReformulator creates a reformulator backed by a text generator
func NewLLMReformulator(generator llm.Generator) (*LLMReformulator, error) {
	if generator == nil {
		return nil, helper.NewError("reformulator validation", fmt.Errorf("generator is nil"))
	}
	return &LLMReformulator{generator: generator}, nil
}

// Reformulate asks the model for up to max alternative phrasings of the query
func (r *LLMReformulator) Reformulate(ctx context.Context, query string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}

	response, err := r.generator.GenerateText(ctx, &llm.ChatRequest{
		Messages: []model.ChatMessage{
			{Role: model.RoleSystem, Content: fmt.Sprintf(reformulatePrompt, max)},
			{Role: model.RoleUser, Content: query},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, helper.NewError("reformulate query", err)
	}

	var phrasings []string
	for _, line := range strings.Split(response.Message.Content, "\n") {
		phrasing := cleanPhrasing(line)
		if phrasing == "" || strings.EqualFold(phrasing, query) {
			continue
		}
		phrasings = append(phrasings, phrasing)
		if len(phrasings) == max {
			break
		}
	}

	return phrasings, nil
}

// cleanPhrasing strips list numbering and quoting the model tends to add
func cleanPhrasing(line string) string {
	phrasing := strings.TrimSpace(line)
	phrasing = strings.TrimLeft(phrasing, "0123456789.)- ")
	phrasing = strings.Trim(phrasing, `"'`)
	return strings.TrimSpace(phrasing)
}
