// Package callgraph converts handler code and the escape records attached
// to it into lattice graphs for DOT rendering.
package callgraph

import (
	"github.com/zboralski/lattice"

	"dexcfi/internal/disasm"
	"dexcfi/internal/sites"
)

// Handler holds the data needed to build graphs for one handler.
type Handler struct {
	Name    string
	Insts   []disasm.Inst
	Emitted []sites.Emitted
}

// BuildRecordGraph constructs a lattice.Graph linking each handler to the
// record kinds it carries. Handlers without records stay as lone nodes.
func BuildRecordGraph(handlers []Handler) *lattice.Graph {
	g := &lattice.Graph{}
	for _, h := range handlers {
		g.Nodes = append(g.Nodes, h.Name)
		for _, e := range h.Emitted {
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: h.Name,
				Callee: string(e.Kind),
			})
		}
	}
	g.Dedup()
	return g
}
