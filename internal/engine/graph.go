package engine

import (
	"fmt"
	"strings"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// Graph is the validated, indexed form of a workflow definition used by the walker.
type Graph struct {
	Def   *schema.WorkflowDefinition
	Nodes map[string]*schema.Node
	Specs map[string]nodes.Spec
	Entry string

	out map[string][]schema.Edge
	in  map[string][]string

	// loopOwner maps a node inside a splitInBatches body to its batch node.
	loopOwner map[string]string

	Warnings []schema.ValidationIssue
}

// BuildGraph validates def and indexes it. All structural problems are
// reported together in one VALIDATION_ERROR; soft problems become Warnings.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	g := &Graph{
		Def:       def,
		Nodes:     make(map[string]*schema.Node, len(def.Nodes)),
		Specs:     make(map[string]nodes.Spec, len(def.Nodes)),
		out:       make(map[string][]schema.Edge),
		in:        make(map[string][]string),
		loopOwner: make(map[string]string),
	}
	result := &schema.ValidationResult{}

	var entries []string
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if n.ID == "" {
			result.AddError(path, "EMPTY_ID", fmt.Sprintf("node at index %d has empty ID", i))
			continue
		}
		if _, exists := g.Nodes[n.ID]; exists {
			result.AddError(path, "DUPLICATE_ID", fmt.Sprintf("duplicate node ID: %s", n.ID))
			continue
		}
		g.Nodes[n.ID] = n

		spec, err := nodes.Decode(*n)
		if err != nil {
			result.AddError(path, "INVALID_NODE", schema.UserMessage(err))
			continue
		}
		g.Specs[n.ID] = spec

		if n.Type.IsEntry() {
			entries = append(entries, n.ID)
		}
	}

	switch len(entries) {
	case 0:
		result.AddError("nodes", "NO_ENTRY", "workflow has no start node")
	case 1:
		g.Entry = entries[0]
	default:
		result.AddError("nodes", "MULTIPLE_ENTRIES",
			fmt.Sprintf("workflow has %d start nodes (%s), expected exactly one", len(entries), strings.Join(entries, ", ")))
	}

	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := g.Nodes[e.Source]; !ok {
			result.AddError(path, "UNKNOWN_SOURCE", fmt.Sprintf("edge references non-existent source node: %s", e.Source))
			continue
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			result.AddError(path, "UNKNOWN_TARGET", fmt.Sprintf("edge references non-existent target node: %s", e.Target))
			continue
		}
		e.Label = normalizeLabel(e.Label)
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e.Source)
	}

	if err := result.ToError(); err != nil {
		return nil, err
	}

	g.checkLabels(result)
	g.checkReachability(result)
	g.computeLoopBodies()
	g.checkCycles(result)
	g.Warnings = result.Warnings

	return g, nil
}

// Next returns the target of the first edge out of nodeID matching outcome.
// "default" matches unlabeled, "default" and "done" edges.
func (g *Graph) Next(nodeID string, outcome nodes.Outcome) (string, bool) {
	want := normalizeLabel(string(outcome))
	for _, e := range g.out[nodeID] {
		if labelMatches(want, e.Label) {
			return e.Target, true
		}
	}
	return "", false
}

// Predecessors returns the sources of edges into nodeID in definition order.
func (g *Graph) Predecessors(nodeID string) []string {
	return g.in[nodeID]
}

// LoopOwner returns the splitInBatches node whose body contains nodeID.
func (g *Graph) LoopOwner(nodeID string) (string, bool) {
	owner, ok := g.loopOwner[nodeID]
	return owner, ok
}

func normalizeLabel(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	if l == "" {
		return schema.LabelDefault
	}
	return l
}

func labelMatches(outcome, label string) bool {
	if outcome == schema.LabelDefault {
		return label == schema.LabelDefault || label == schema.LabelDone
	}
	return outcome == label
}

func (g *Graph) checkLabels(result *schema.ValidationResult) {
	for _, src := range sortedNodeIDs(g.Nodes) {
		seen := make(map[string]bool)
		for _, e := range g.out[src] {
			key := e.Label
			if key == schema.LabelDone {
				key = schema.LabelDefault
			}
			if seen[key] {
				result.AddWarning("edges", "DUPLICATE_LABEL",
					fmt.Sprintf("node %s has several %q edges, only the first is followed", src, e.Label))
			}
			seen[key] = true
		}

		switch g.Nodes[src].Type.Canonical() {
		case schema.NodeTypeCondition:
			for _, l := range []string{schema.LabelTrue, schema.LabelFalse} {
				if !seen[l] {
					result.AddWarning("edges", "MISSING_BRANCH",
						fmt.Sprintf("condition %s has no %q edge, the run ends on that branch", src, l))
				}
			}
		case schema.NodeTypeSplitInBatches:
			if !seen[schema.LabelLoop] {
				result.AddWarning("edges", "MISSING_BRANCH",
					fmt.Sprintf("splitInBatches %s has no \"loop\" edge", src))
			}
		}
	}
}

func (g *Graph) checkReachability(result *schema.ValidationResult) {
	reached := g.reachable(g.Entry, "")
	for _, id := range sortedNodeIDs(g.Nodes) {
		if !reached[id] {
			result.AddWarning("nodes", "UNREACHABLE", fmt.Sprintf("node %s is not reachable from the start node", id))
		}
	}
}

// reachable returns the nodes reachable from start without passing through avoid.
func (g *Graph) reachable(start, avoid string) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[id] {
			if e.Target == avoid || seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			stack = append(stack, e.Target)
		}
	}
	return seen
}

// computeLoopBodies marks the nodes that lie on a path from a batch node's
// loop edge back to the batch node.
func (g *Graph) computeLoopBodies() {
	for _, id := range sortedNodeIDs(g.Nodes) {
		if g.Nodes[id].Type.Canonical() != schema.NodeTypeSplitInBatches {
			continue
		}
		forward := make(map[string]bool)
		for _, e := range g.out[id] {
			if e.Label != schema.LabelLoop || e.Target == id {
				continue
			}
			for n := range g.reachable(e.Target, id) {
				forward[n] = true
			}
		}
		backward := g.reaches(id)
		for n := range forward {
			if backward[n] {
				if _, owned := g.loopOwner[n]; !owned {
					g.loopOwner[n] = id
				}
			}
		}
	}
}

// reaches returns the nodes from which target is reachable.
func (g *Graph) reaches(target string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{target}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, src := range g.in[id] {
			if seen[src] {
				continue
			}
			seen[src] = true
			stack = append(stack, src)
		}
	}
	return seen
}

// checkCycles warns about cycles that do not pass through a batch node.
// Such cycles are legal but bounded only by the revisit limit.
func (g *Graph) checkCycles(result *schema.ValidationResult) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.Nodes))
	var stack []string
	reported := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, e := range g.out[id] {
			switch color[e.Target] {
			case white:
				visit(e.Target)
			case grey:
				start := len(stack) - 1
				for start >= 0 && stack[start] != e.Target {
					start--
				}
				cycle := stack[start:]
				if !g.containsBatch(cycle) && !reported[e.Target] {
					reported[e.Target] = true
					result.AddWarning("edges", "CYCLE",
						fmt.Sprintf("cycle %s -> %s is bounded only by the revisit limit",
							strings.Join(cycle, " -> "), e.Target))
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range sortedNodeIDs(g.Nodes) {
		if color[id] == white {
			visit(id)
		}
	}
}

func (g *Graph) containsBatch(ids []string) bool {
	for _, id := range ids {
		if g.Nodes[id].Type.Canonical() == schema.NodeTypeSplitInBatches {
			return true
		}
	}
	return false
}

func sortedNodeIDs(m map[string]*schema.Node) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortStrings(ids)
	return ids
}

// sortStrings sorts a small slice in place using insertion sort.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
