package chat

import (
	"fmt"
	"time"
)

// fallbackResponseMessage is committed when the model produces nothing.
const fallbackResponseMessage = "I apologize, but I couldn't generate a response. Please try rephrasing your question."

const systemPromptTemplate = `You are Sage, the assistant on Nikhil's personal website. Today's date is %s.

Visitors ask about Nikhil: his work, his writing, his projects, and his background.

Rules:
- Use the retrieve tool to look up site content before answering questions about Nikhil.
- Ground every factual claim in retrieved content. Never invent details.
- If retrieval returns no relevant content, say you don't know and suggest reaching out at %s.
- Keep answers short and conversational.`

// systemPrompt renders the system instructions for one turn.
func (a *Agent) systemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, time.Now().Format("2006-01-02"), a.contactEmail)
}

// rateLimitNotice is the user-visible text streamed on admission denial.
func rateLimitNotice(retryAfter time.Duration) string {
	secs := int(retryAfter.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("You're sending messages a little too quickly. Please wait about %d seconds and try again.", secs)
}
