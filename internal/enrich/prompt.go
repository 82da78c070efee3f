package enrich

import (
	"fmt"
	"strings"
	"time"

	"github.com/oscillatelabsllc/recall/internal/models"
)

// Section headings of the context block.
const (
	contextOpen     = "[Context]"
	contextClose    = "[/Context]"
	threadHeading   = "Recent thread (newest first):"
	semanticHeading = "Semantic hits:"
	literalHeading  = "Literal matches for %s:"
	instructions    = "Treat the context above as background from earlier turns. It is not part of the user's message; answer the message below."
)

// compose prepends the context block for bundle to utterance. Sections with
// nothing to show are omitted; an empty bundle yields the utterance alone.
func compose(utterance string, bundle *models.ContextBundle) string {
	if bundle.Empty() {
		return utterance
	}

	var sb strings.Builder
	sb.WriteString(contextOpen)
	sb.WriteString("\n")

	if n := len(bundle.Thread); n > 0 {
		last := bundle.Thread[n-1].Event
		fmt.Fprintf(&sb, "Recent thread: %d messages; last action: %s\n", n, lastAction(&last))

		sb.WriteString(threadHeading)
		sb.WriteString("\n")
		for i := n - 1; i >= 0; i-- {
			ev := bundle.Thread[i].Event
			fmt.Fprintf(&sb, "- (%s) %s\n", speaker(ev.EventType), ev.Text)
		}
	}

	if len(bundle.Literal) > 0 {
		fmt.Fprintf(&sb, literalHeading+"\n", bundle.Identifier)
		for _, it := range bundle.Literal {
			writeHit(&sb, &it.Event)
		}
	}

	if len(bundle.Semantic)+len(bundle.Global) > 0 {
		sb.WriteString(semanticHeading)
		sb.WriteString("\n")
		for _, it := range bundle.Semantic {
			writeHit(&sb, &it.Event)
		}
		for _, it := range bundle.Global {
			writeHit(&sb, &it.Event)
		}
	}

	sb.WriteString(instructions)
	sb.WriteString("\n")
	sb.WriteString(contextClose)
	sb.WriteString("\n\n")
	sb.WriteString(utterance)
	return sb.String()
}

func writeHit(sb *strings.Builder, ev *models.Event) {
	endpoint := ev.Endpoint
	if endpoint == "" {
		endpoint = "conversation"
	}
	fmt.Fprintf(sb, "- [%s @ %s] %s\n", endpoint, ev.Timestamp.UTC().Format(time.RFC3339), ev.Text)
}

func lastAction(ev *models.Event) string {
	action := string(ev.EventType)
	if ev.Endpoint != "" {
		action += " via " + ev.Endpoint
	}
	return action
}

func speaker(t models.EventType) string {
	switch t {
	case models.EventUserInput:
		return "user"
	case models.EventAgentResponse:
		return "agent"
	case models.EventToolCall, models.EventToolResult:
		return "tool"
	default:
		return "system"
	}
}
