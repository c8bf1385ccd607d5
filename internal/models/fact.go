package models

// Label attributes written by the sync engine.
const (
	AttrLabel          = "hnsw-label"
	AttrLabelUpdatedAt = "hnsw-label-updated-at"
)

// FactOp is the kind of change a fact makes.
type FactOp int

const (
	// Assert sets an attribute value.
	Assert FactOp = iota
	// Retract removes an attribute value.
	Retract
)

// Fact is a single attribute change on a block. A slice of facts is applied
// atomically by the store.
type Fact struct {
	Op      FactOp
	BlockID string
	Attr    string
	Value   int64
}

// AssertFact returns a fact setting attr to value on block id.
func AssertFact(id, attr string, value int64) Fact {
	return Fact{Op: Assert, BlockID: id, Attr: attr, Value: value}
}

// RetractFact returns a fact clearing attr on block id.
func RetractFact(id, attr string) Fact {
	return Fact{Op: Retract, BlockID: id, Attr: attr}
}
