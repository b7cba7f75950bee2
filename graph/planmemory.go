package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// planMemoryPass assigns a storage (pool) id to every graph entry and stores
// the result in AttrStorageID. It consumes AttrDType, so it must run after
// type inference.
//
// The plan is a reference-count greedy allocator over the topological order:
// an entry's storage id becomes reusable once its last consumer has executed.
// Ids are only recycled between entries of the same dtype, so a pool buffer
// always has one concrete element type. Variable entries and declared graph
// outputs are pinned -- their ids are never recycled -- so the executor can
// alias variables and copy outputs without racing a reused buffer. Pool
// buffer sizing (max over entries sharing an id) is the executor's job; the
// pass only decides sharing.
func planMemoryPass(g *Graph) {
	idx := g.Indexed()
	numEntries := idx.NumEntries()
	dtypeVec := Attr[DTypeVector](g, AttrDType)
	if len(dtypeVec) != numEntries {
		exceptions.Panicf("PlanMemory: attr %q has %d entries, graph has %d", AttrDType, len(dtypeVec), numEntries)
	}

	refCount := make([]int, numEntries)
	for nid := 0; nid < idx.NumNodes(); nid++ {
		for _, eid := range idx.InputEntryIDs(nid) {
			refCount[eid]++
		}
	}
	pinned := make([]bool, numEntries)
	for _, nid := range idx.InputNodes() {
		pinned[idx.EntryID(nid, 0)] = true
	}
	for i := range g.Outputs() {
		pinned[g.OutputEntryID(i)] = true
	}
	// Placeholder entries are written before execution starts, not at the
	// node's topological position, so they can neither reuse an id nor be
	// reused.
	for nid := 0; nid < idx.NumNodes(); nid++ {
		node := idx.Node(nid)
		if !node.IsVariable() && node.Op().Placeholder {
			for slot := 0; slot < node.NumOutputs(); slot++ {
				pinned[idx.EntryID(nid, slot)] = true
			}
		}
	}

	storage := make(StorageVector, numEntries)
	free := make(map[dtypes.DType][]int)
	nextID := 0
	alloc := func(dtype dtypes.DType) int {
		if list := free[dtype]; len(list) > 0 {
			id := list[len(list)-1]
			free[dtype] = list[:len(list)-1]
			return id
		}
		id := nextID
		nextID++
		return id
	}

	for nid := 0; nid < idx.NumNodes(); nid++ {
		node := idx.Node(nid)
		for slot := 0; slot < node.NumOutputs(); slot++ {
			eid := idx.EntryID(nid, slot)
			if pinned[eid] {
				// Pinned entries always get a dedicated id.
				storage[eid] = nextID
				nextID++
				continue
			}
			storage[eid] = alloc(dtypeVec[eid])
		}
		// Release inputs whose last consumer this node is.
		for _, eid := range idx.InputEntryIDs(nid) {
			refCount[eid]--
			if refCount[eid] == 0 && !pinned[eid] {
				free[dtypeVec[eid]] = append(free[dtypeVec[eid]], storage[eid])
			}
		}
	}
	g.SetAttr(AttrStorageID, storage)
}
