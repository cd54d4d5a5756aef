// Package diagram renders workflow graphs as Mermaid flowcharts, optionally
// overlaying the state of a run.
package diagram

import (
	"fmt"
	"strings"

	"github.com/nvidal/stepwise/pkg/schema"
)

// RenderMermaid renders a workflow as a Mermaid flowchart. When st is
// non-nil the run status is shown as a class on the current node.
func RenderMermaid(wf *schema.Workflow, st *schema.ExecutionState) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	title := wf.Name
	if title == "" {
		title = wf.ID
	}
	b.WriteString(fmt.Sprintf("    %%%% %s\n", title))

	for i := range wf.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(&wf.Nodes[i])))
	}

	for _, edge := range wf.Edges {
		label := ""
		if edge.SourcePort != "" {
			label = fmt.Sprintf("|%s|", edge.SourcePort)
		}
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			safeID(edge.Source), label, safeID(edge.Target)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef paused fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")

	if st != nil && st.CurrentNodeID != "" {
		if cls := statusClass(st.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(st.CurrentNodeID), cls))
		}
	}

	return b.String()
}

// nodeDef returns a Mermaid node definition with a shape per node type.
func nodeDef(node *schema.Node) string {
	id := safeID(node.ID)
	label := node.Label
	if label == "" {
		label = node.ID
	}
	label = firstLine(label)

	switch node.Type {
	case schema.NodeStart, schema.NodeEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case schema.NodeCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.NodeLoop, schema.NodeForEach:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.NodeTryCatch:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case schema.NodeDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case schema.NodeSubflow:
		return fmt.Sprintf("%s[/%q/]", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// safeID converts a node ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func statusClass(status schema.ExecutionStatus) string {
	switch status {
	case schema.StatusRunning:
		return "running"
	case schema.StatusPaused:
		return "paused"
	case schema.StatusCompleted:
		return "completed"
	case schema.StatusFailed:
		return "failed"
	default:
		return ""
	}
}
