// YAML workflow definitions.
//
// Workflows can be authored in YAML and loaded into Graph structures:
//
//	id: 7b1c6a34-1111-4222-8333-944445555666
//	name: Support Bot
//	tenant_owner_id: tenant-a
//	nodes:
//	  - id: chat_in
//	    name: Chat Trigger
//	    type: trigger
//	  - id: agent
//	    name: Support Agent
//	    type: agent
//	    agent:
//	      system_prompt: You are a helpful support agent.
//	      user_prompt: "{{Chat Trigger.message}}"
//	      llm:
//	        provider: openai
//	        model: gpt-4o
//	        temperature: 0.2
//	edges:
//	  - id: e1
//	    source: chat_in
//	    target: agent
package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentloom/loom/internal/types"
)

// ParseYAML parses a YAML workflow definition into a Graph.
// Missing graph and edge IDs are generated; node IDs are required.
func ParseYAML(data []byte) (*Graph, error) {
	var g Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}

	if g.ID.IsZero() {
		g.ID = types.NewID()
	}
	for i := range g.Edges {
		if g.Edges[i].ID == "" {
			g.Edges[i].ID = fmt.Sprintf("edge-%d", i+1)
		}
	}

	return &g, nil
}

// LoadFile reads and parses a YAML workflow definition from disk.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseYAML(data)
}
