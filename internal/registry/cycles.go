package registry

import (
	"fmt"
	"slices"
	"strings"
)

// WatchedEvents returns the events under which changes to table re-enter
// form through the change feed. The primary table is watched for every
// event; associated tables for updates only.
func WatchedEvents(form FormSchema, table string) []Event {
	if table == form.PrimaryTable {
		return []Event{EventCreate, EventUpdate, EventDelete}
	}
	if slices.Contains(form.AssociatedTables, table) {
		return []Event{EventUpdate}
	}
	return nil
}

// producedEvents maps an action to the change-feed events its write emits.
func producedEvents(t ActionType) []Event {
	switch t {
	case ActionCreate:
		return []Event{EventCreate}
	case ActionSync:
		return []Event{EventCreate, EventUpdate}
	case ActionUpdate:
		return []Event{EventUpdate}
	case ActionDelete:
		return []Event{EventDelete}
	}
	return nil
}

// CycleWarning describes a set of rules that can re-trigger each other
// through the change feed.
//
// Cycles are warnings, not errors: conditions usually stop the loop at
// runtime (a rule guarded by status == "completed" will not fire on the
// row it created).
type CycleWarning struct {
	Path    []string `json:"path"`    // ["form/rule-a", "form/rule-b", "form/rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning"
}

// AnalyzeCycles reports rules whose writes can feed back into themselves
// when every table write re-enters the orchestrator via the change feed.
//
// Nodes are "form/rule" ids. Rule R has an edge to rule S when one of R's
// actions writes a table that S's form watches for an event S triggers on.
// Strongly connected components (Tarjan) with more than one node, or a
// self-loop, are reported. A DAG returns an empty list.
func (r *Registry) AnalyzeCycles() []CycleWarning {
	graph := r.buildRuleGraph()
	if len(graph) == 0 {
		return []CycleWarning{}
	}

	warnings := []CycleWarning{}
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 || (len(scc) == 1 && slices.Contains(graph[scc[0]], scc[0])) {
			warnings = append(warnings, sccToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// ruleGraph maps "form/rule" to the rules its writes can trigger.
type ruleGraph map[string][]string

func ruleNode(formID, ruleID string) string {
	return formID + "/" + ruleID
}

func (r *Registry) buildRuleGraph() ruleGraph {
	type trigger struct {
		table string
		event Event
	}

	// (table, event) -> rules re-entered by that change
	triggered := make(map[trigger][]string)
	for _, id := range r.order {
		f := r.forms[id]
		for _, table := range f.Tables() {
			for _, ev := range WatchedEvents(f, table) {
				for _, rule := range f.SyncRules {
					if rule.TriggerEvent == ev {
						key := trigger{table, ev}
						triggered[key] = append(triggered[key], ruleNode(f.FormID, rule.ID))
					}
				}
			}
		}
	}

	graph := make(ruleGraph)
	for _, id := range r.order {
		f := r.forms[id]
		for _, rule := range f.SyncRules {
			node := ruleNode(f.FormID, rule.ID)
			if graph[node] == nil {
				graph[node] = []string{}
			}
			for _, a := range rule.Actions {
				for _, ev := range producedEvents(a.Type) {
					for _, next := range triggered[trigger{a.TargetTable, ev}] {
						if !slices.Contains(graph[node], next) {
							graph[node] = append(graph[node], next)
						}
					}
				}
			}
		}
	}
	return graph
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so results are deterministic.
func tarjanSCC(graph ruleGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

func sccToWarning(scc []string, graph ruleGraph) CycleWarning {
	if len(scc) == 1 {
		node := scc[0]
		return CycleWarning{
			Path:    []string{node, node},
			Message: fmt.Sprintf("Self-triggering sync rule detected: %s → %s", node, node),
			Level:   "warning",
		}
	}

	path := cyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// cyclePath walks from the first (smallest) SCC member along edges inside
// the SCC until it returns to the start.
func cyclePath(scc []string, graph ruleGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		var next string
		for _, neighbor := range graph[current] {
			if neighbor == start && len(path) > 1 {
				next = neighbor
				break
			}
			if members[neighbor] && !visited[neighbor] && next == "" {
				next = neighbor
			}
		}
		if next == "" {
			// Dead end inside the SCC; close the loop explicitly.
			return append(path, start)
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
