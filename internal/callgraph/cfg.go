package callgraph

import (
	"fmt"
	"sort"

	"github.com/zboralski/lattice"

	"dexcfi/internal/disasm"
	"dexcfi/internal/sites"
)

// BuildCFG constructs a lattice.CFGGraph with one FuncCFG per handler.
func BuildCFG(handlers []Handler) *lattice.CFGGraph {
	cg := &lattice.CFGGraph{}
	for _, h := range handlers {
		lcfg, _ := BuildCFIFuncCFG(h.Name, h.Insts, h.Emitted, h.baseAddr())
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg
}

func (h Handler) baseAddr() uint64 {
	if len(h.Insts) == 0 {
		return 0
	}
	return h.Insts[0].Addr
}

// BuildCFIFuncCFG builds a single-handler lattice.FuncCFG whose blocks list
// the escape records as call sites. A record is placed in the block holding
// the instruction at base+pc; a record at the end of the code goes to the
// last block. Returns the FuncCFG and the number of basic blocks.
func BuildCFIFuncCFG(name string, insts []disasm.Inst, emitted []sites.Emitted, base uint64) (*lattice.FuncCFG, int) {
	dcfg := disasm.BuildCFG(name, insts)
	lcfg := convertFuncCFG(&dcfg)
	injectRecords(lcfg, &dcfg, emitted, base)
	return lcfg, len(dcfg.Blocks)
}

// recordLabel renders a record as a short call-site name.
func recordLabel(e sites.Emitted) string {
	label := fmt.Sprintf("cfi.%s r%d", e.Kind, e.Reg)
	switch e.Kind {
	case sites.KindDexPC, sites.KindExpression:
		label += fmt.Sprintf(" r%d%+d", e.Base, e.Offset)
	case sites.KindDefCFA:
		label += fmt.Sprintf("%+d +%d", e.Offset, e.Size)
	}
	if e.Note != "" {
		label += " " + e.Note
	}
	return label
}

// injectRecords adds a CallSite per emitted record into its block.
func injectRecords(lcfg *lattice.FuncCFG, dcfg *disasm.FuncCFG, emitted []sites.Emitted, base uint64) {
	if len(emitted) == 0 || len(dcfg.Blocks) == 0 {
		return
	}
	index := make(map[uint64]int, len(dcfg.Insts))
	for i, in := range dcfg.Insts {
		index[in.Addr] = i
	}

	touched := make(map[int]bool)
	for _, e := range emitted {
		idx, ok := index[base+e.PC]
		var bi int
		if ok {
			bi = dcfg.BlockOf(idx)
		} else {
			bi = len(dcfg.Blocks) - 1
			idx = len(dcfg.Insts)
		}
		if bi < 0 {
			continue
		}
		lcfg.Blocks[bi].Calls = append(lcfg.Blocks[bi].Calls, lattice.CallSite{
			Offset: idx,
			Callee: recordLabel(e),
		})
		touched[bi] = true
	}
	for bi := range touched {
		calls := lcfg.Blocks[bi].Calls
		sort.SliceStable(calls, func(i, j int) bool { return calls[i].Offset < calls[j].Offset })
	}
}

// convertFuncCFG maps a disasm.FuncCFG to a lattice.FuncCFG.
func convertFuncCFG(dcfg *disasm.FuncCFG) *lattice.FuncCFG {
	lcfg := &lattice.FuncCFG{Name: dcfg.Name}
	for _, db := range dcfg.Blocks {
		lb := &lattice.BasicBlock{
			ID:    db.ID,
			Start: db.Start,
			End:   db.End,
			Term:  db.IsTerm,
		}
		for _, ds := range db.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{
				BlockID: ds.BlockID,
				Cond:    ds.Cond,
			})
		}
		lcfg.Blocks = append(lcfg.Blocks, lb)
	}
	return lcfg
}
