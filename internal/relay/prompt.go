package relay

import (
	"fmt"
	"sort"
	"strings"

	"mcprelay-go/internal/relay/types"
)

func sortPromptServers(servers []promptServer) {
	sort.Slice(servers, func(i, j int) bool { return servers[i].name < servers[j].name })
}

// promptServer is the per-server input to the tool prompt builder.
type promptServer struct {
	name        string
	description string
	tools       []*types.ToolInfo
}

// buildToolPrompt renders a plain-text enumeration of the connected servers
// and their tools, suitable for injection into a model prompt.
func buildToolPrompt(servers []promptServer) string {
	if len(servers) == 0 {
		return "No tool servers are currently connected."
	}

	var b strings.Builder
	b.WriteString("The following tool servers are connected:\n")

	for _, srv := range servers {
		b.WriteString("\n## ")
		b.WriteString(srv.name)
		if srv.description != "" {
			b.WriteString(" - ")
			b.WriteString(srv.description)
		}
		b.WriteString("\n")

		if len(srv.tools) == 0 {
			b.WriteString("(no tools available)\n")
			continue
		}
		for _, tool := range srv.tools {
			if tool.Description != "" {
				fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
			} else {
				fmt.Fprintf(&b, "- %s\n", tool.Name)
			}
		}
	}

	return b.String()
}
