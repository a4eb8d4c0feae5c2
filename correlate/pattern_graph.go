package correlate

import (
	"vigil/core"
)

type graphEdge struct {
	source  string
	target  string
	eventID string
}

// matchGraph builds a directed graph from the candidates and checks the
// configured shape.
func (pm *PatternMatcher) matchGraph(rule *CompiledRule, trigger *core.Event, candidates []*core.Event) *EvalResult {
	cfg := rule.Pattern

	nodes := make(map[string]bool)
	var edges []graphEdge
	for _, ev := range candidates {
		if nodeVal, ok := resolveField(ev, cfg.NodeField); ok {
			nodes[toString(nodeVal)] = true
		}
		src, okSrc := resolveField(ev, cfg.SourceField)
		dst, okDst := resolveField(ev, cfg.TargetField)
		if !okSrc || !okDst {
			continue
		}
		edges = append(edges, graphEdge{
			source:  toString(src),
			target:  toString(dst),
			eventID: ev.EventID,
		})
	}

	switch cfg.Shape {
	case core.GraphStar:
		return pm.matchStar(rule, trigger, edges)
	case core.GraphCycle:
		return pm.matchCycle(rule, nodes, edges)
	default:
		return pm.matchBipartite(rule, edges)
	}
}

// matchStar checks whether the trigger's node has at least 3 incident edges.
func (pm *PatternMatcher) matchStar(rule *CompiledRule, trigger *core.Event, edges []graphEdge) *EvalResult {
	center, defined := resolveField(trigger, rule.Pattern.NodeField)
	if !defined {
		return &EvalResult{
			RuleID:  rule.Rule.ID,
			Details: map[string]interface{}{"reason": "trigger has no node field value"},
		}
	}
	centerVal := toString(center)

	var incident []graphEdge
	for _, e := range edges {
		if e.source == centerVal || e.target == centerVal {
			incident = append(incident, e)
		}
	}

	details := map[string]interface{}{
		"shape":          core.GraphStar,
		"center":         centerVal,
		"incident_edges": len(incident),
	}
	if len(incident) < 3 {
		return &EvalResult{RuleID: rule.Rule.ID, Details: details}
	}

	ids := make([]string, len(incident))
	for i, e := range incident {
		ids[i] = e.eventID
	}
	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details:  details,
	}
}

// matchCycle runs a depth-first search over the directed adjacency list with
// a recursion-path set; any back-edge into the current path is a cycle. The
// visited and path sets are shared across root traversals, with path entries
// removed on backtrack.
func (pm *PatternMatcher) matchCycle(rule *CompiledRule, nodes map[string]bool, edges []graphEdge) *EvalResult {
	adjacency := make(map[string][]graphEdge)
	for _, e := range edges {
		adjacency[e.source] = append(adjacency[e.source], e)
		nodes[e.source] = true
		nodes[e.target] = true
	}

	visited := make(map[string]bool)
	inPath := make(map[string]bool)
	edgeUsed := make(map[string]bool)

	var cycleAt string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true
		inPath[node] = true
		for _, e := range adjacency[node] {
			edgeUsed[e.eventID] = true
			if inPath[e.target] {
				cycleAt = e.target
				return true
			}
			if !visited[e.target] && dfs(e.target) {
				return true
			}
		}
		delete(inPath, node)
		return false
	}

	found := false
	for node := range nodes {
		if visited[node] {
			continue
		}
		if dfs(node) {
			found = true
			break
		}
	}

	details := map[string]interface{}{
		"shape": core.GraphCycle,
		"nodes": len(nodes),
		"edges": len(edges),
	}
	if !found {
		return &EvalResult{RuleID: rule.Rule.ID, Details: details}
	}

	details["cycle_node"] = cycleAt
	var ids []string
	for _, e := range edges {
		if edgeUsed[e.eventID] {
			ids = append(ids, e.eventID)
		}
	}
	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details:  details,
	}
}

// matchBipartite reports true iff the edge-source set and edge-target set
// are disjoint. This is a relaxed approximation of bipartiteness, not a
// two-coloring check; a graph can be bipartite and still fail it.
func (pm *PatternMatcher) matchBipartite(rule *CompiledRule, edges []graphEdge) *EvalResult {
	details := map[string]interface{}{
		"shape": core.GraphBipartite,
		"edges": len(edges),
	}
	if len(edges) == 0 {
		return &EvalResult{RuleID: rule.Rule.ID, Details: details}
	}

	sources := make(map[string]bool)
	targets := make(map[string]bool)
	for _, e := range edges {
		sources[e.source] = true
		targets[e.target] = true
	}
	for s := range sources {
		if targets[s] {
			details["overlap_node"] = s
			return &EvalResult{RuleID: rule.Rule.ID, Details: details}
		}
	}

	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.eventID
	}
	return &EvalResult{
		RuleID:   rule.Rule.ID,
		Matched:  true,
		EventIDs: ids,
		Details:  details,
	}
}
