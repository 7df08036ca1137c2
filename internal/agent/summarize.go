package agent

import (
	"context"
	"fmt"
	"strings"
)

const summarySystemPrompt = `You compress conversation history. Summarize the following ` +
	`conversation between a user and a data analysis assistant into a short ` +
	`factual brief: the user's goals, datasets discussed, analyses performed, ` +
	`and conclusions reached. Keep numbers exact. Do not add commentary.`

// transcriptChars measures the transcript the way the summarization
// threshold is expressed: total characters of content, tool calls and
// tool results included.
func transcriptChars(messages []CompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + len(tc.Input)
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content)
		}
	}
	return total
}

// summarizeHead replaces messages[:keepFrom] with a single synthesized
// summary turn via one lightweight provider call. The tail, which
// always includes the current unanswered user message, is never
// summarized. On any failure the transcript is returned unchanged;
// summarization is a cost optimization, not a correctness requirement.
func (l *Loop) summarizeHead(ctx context.Context, messages []CompletionMessage, keepFrom int) []CompletionMessage {
	if keepFrom <= 1 || keepFrom > len(messages) {
		return messages
	}

	head := messages[:keepFrom]
	var sb strings.Builder
	for _, m := range head {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&sb, "[tool result] %s\n", tr.Content)
		}
	}

	model := l.config.SummaryModel
	if model == "" {
		model = l.config.Model
	}
	chunks, err := l.provider.Complete(ctx, &CompletionRequest{
		Model:     model,
		System:    summarySystemPrompt,
		Messages:  []CompletionMessage{{Role: "user", Content: sb.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		l.logger.Warn(ctx, "transcript summarization failed", "error", err)
		return messages
	}

	var summary strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			l.logger.Warn(ctx, "transcript summarization stream failed", "error", chunk.Error)
			return messages
		}
		summary.WriteString(chunk.Text)
	}
	if summary.Len() == 0 {
		return messages
	}

	compacted := make([]CompletionMessage, 0, len(messages)-keepFrom+1)
	compacted = append(compacted, CompletionMessage{
		Role:    "user",
		Content: "Summary of the conversation so far:\n" + summary.String(),
	})
	compacted = append(compacted, messages[keepFrom:]...)
	return compacted
}
