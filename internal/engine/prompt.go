package engine

import (
	"fmt"
	"strings"

	"github.com/hibiki-ai/hibiki/internal/model"
)

const protocolBlock = `Respond using the following format:

Thought: reason about what to do next
Action: the tool to call, must be one of the tool names above
Action Input: the arguments for the tool as a JSON object
Observation: the result of the tool call (this will be provided to you)
... (Thought/Action/Observation may repeat as many times as needed)
Thought: I now know the final answer
Final Answer: the final answer to the original instruction`

// buildSystemPrompt assembles the system message for one run: the
// agent's persona, the tool protocol with the tools this agent may
// call, long-term facts about the requesting user, and the goal.
func buildSystemPrompt(agent model.AgentDefinition, tools []model.ToolInfo, facts []model.MemoryFact, goal string) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(agent.Persona))
	b.WriteString("\n\nYou are operating as an autonomous agent. You may call the following tools:\n")
	if len(tools) == 0 {
		b.WriteString("(no tools available)\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}

	b.WriteString("\n")
	b.WriteString(protocolBlock)
	b.WriteString("\n")

	if len(facts) > 0 {
		b.WriteString("\nBackground about the user from long-term memory:\n")
		for _, f := range facts {
			if f.Category != "" {
				fmt.Fprintf(&b, "- [%s] %s\n", f.Category, f.Content)
			} else {
				fmt.Fprintf(&b, "- %s\n", f.Content)
			}
		}
	}

	b.WriteString("\nCurrent instruction: ")
	b.WriteString(goal)
	return b.String()
}
