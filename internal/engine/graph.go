package engine

import (
	"fmt"
	"strings"

	"github.com/stackform-io/stackform/internal/ir"
)

// DAG orders resources so that every resource is created after its
// dependencies and destroyed before them.
type DAG struct {
	nodes    map[string]*dagNode
	order    []string // creation order
	revOrder []string // destruction order
}

type dagNode struct {
	addr     string
	edges    []string // addresses this node depends on
	revEdges []string // addresses depending on this node
}

// BuildDAG constructs a dependency graph from desired resources,
// resolving explicit depends_on entries and implicit ptr:// references.
func BuildDAG(resources []*ir.Resource) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode)}

	for _, res := range resources {
		addr := res.Addr()
		if _, dup := dag.nodes[addr]; dup {
			return nil, fmt.Errorf("duplicate resource address: %s", addr)
		}
		dag.nodes[addr] = &dagNode{addr: addr}
	}

	for _, res := range resources {
		node := dag.nodes[res.Addr()]

		for _, dep := range res.DependsOn {
			if _, ok := dag.nodes[dep]; !ok {
				return nil, fmt.Errorf("%s depends on unknown resource %s", res.Addr(), dep)
			}
			node.edges = append(node.edges, dep)
		}

		for _, ref := range extractPtrRefs(res.Properties) {
			depAddr := ptrRefToAddr(ref)
			if _, ok := dag.nodes[depAddr]; ok {
				node.edges = append(node.edges, depAddr)
			}
		}
	}

	return dag.finish()
}

// BuildDAGFromState constructs a dependency graph from tracked state,
// used for destroy ordering.
func BuildDAGFromState(resources []*ir.ResourceState) (*DAG, error) {
	dag := &DAG{nodes: make(map[string]*dagNode)}

	for _, res := range resources {
		dag.nodes[res.Addr()] = &dagNode{addr: res.Addr()}
	}
	for _, res := range resources {
		node := dag.nodes[res.Addr()]
		for _, dep := range res.Dependencies {
			if _, ok := dag.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
	}

	return dag.finish()
}

func (d *DAG) finish() (*DAG, error) {
	for addr, node := range d.nodes {
		for _, dep := range node.edges {
			d.nodes[dep].revEdges = append(d.nodes[dep].revEdges, addr)
		}
	}

	order, err := d.topoSort()
	if err != nil {
		return nil, err
	}
	d.order = order

	d.revOrder = make([]string, len(order))
	for i, addr := range order {
		d.revOrder[len(order)-1-i] = addr
	}

	return d, nil
}

// CreationOrder returns addresses in dependency-respecting order.
func (d *DAG) CreationOrder() []string {
	return d.order
}

// DestructionOrder returns addresses in reverse dependency order.
func (d *DAG) DestructionOrder() []string {
	return d.revOrder
}

// Dependencies returns the direct dependencies of addr.
func (d *DAG) Dependencies(addr string) []string {
	if node, ok := d.nodes[addr]; ok {
		return node.edges
	}
	return nil
}

// topoSort is Kahn's algorithm; a leftover node means a cycle.
func (d *DAG) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(d.nodes))
	for addr, node := range d.nodes {
		inDegree[addr] = len(node.edges)
	}

	var queue []string
	for addr, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, addr)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		addr := queue[0]
		queue = queue[1:]
		sorted = append(sorted, addr)

		for _, dependent := range d.nodes[addr].revEdges {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(d.nodes) {
		return nil, fmt.Errorf("dependency cycle detected in resource graph")
	}

	return sorted, nil
}

// extractPtrRefs collects all ptr:// references from a property value.
func extractPtrRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "ptr://") {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractPtrRefs(v)...)
		}
	}
	return refs
}

// ptrRefToAddr converts a reference like
// ptr://aws:EC2.Instance/web/id into the address aws:EC2.Instance.web.
func ptrRefToAddr(ref string) string {
	if !strings.HasPrefix(ref, "ptr://") {
		return ""
	}
	parts := strings.SplitN(ref[len("ptr://"):], "/", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}
