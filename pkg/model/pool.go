package model

// UnboundMaxRN marks a pool share without a render node cap. A MaxRN of zero
// disables the share entirely.
const UnboundMaxRN = -1

// Pool is a named set of render nodes
type Pool struct {
	ID          int
	Name        string
	RenderNodes []*RenderNode
}

// AddRenderNode attaches a render node to the pool. Idempotent.
func (p *Pool) AddRenderNode(rn *RenderNode) {
	for _, existing := range p.RenderNodes {
		if existing == rn {
			return
		}
	}
	p.RenderNodes = append(p.RenderNodes, rn)
	rn.Pools = append(rn.Pools, p)
}

// RemoveRenderNode detaches a render node from the pool.
func (p *Pool) RemoveRenderNode(rn *RenderNode) {
	for i, existing := range p.RenderNodes {
		if existing == rn {
			p.RenderNodes = append(p.RenderNodes[:i], p.RenderNodes[i+1:]...)
			break
		}
	}
	for i, existing := range rn.Pools {
		if existing == p {
			rn.Pools = append(rn.Pools[:i], rn.Pools[i+1:]...)
			break
		}
	}
}

// AvailableRenderNodes returns the render nodes of the pool currently
// eligible for assignment.
func (p *Pool) AvailableRenderNodes() []*RenderNode {
	var available []*RenderNode
	for _, rn := range p.RenderNodes {
		if rn.IsAvailable() {
			available = append(available, rn)
		}
	}
	return available
}

// PoolShare binds an entry-point node to a pool with a capacity cap
type PoolShare struct {
	ID               int
	Pool             *Pool
	Node             *Node
	MaxRN            int
	AllocatedRN      int
	UserDefinedMaxRN bool
}

// NewPoolShare creates a pool share and cross-links it on both ends.
func NewPoolShare(id int, pool *Pool, node *Node, maxRN int) *PoolShare {
	ps := &PoolShare{
		ID:               id,
		Pool:             pool,
		Node:             node,
		MaxRN:            maxRN,
		UserDefinedMaxRN: maxRN != UnboundMaxRN,
	}
	node.PoolShares[pool.ID] = ps
	return ps
}

// HasRenderNodesAvailable reports whether this share may still receive
// assignments this tick.
func (ps *PoolShare) HasRenderNodesAvailable() bool {
	if ps.MaxRN == 0 {
		return false
	}
	if ps.MaxRN != UnboundMaxRN && ps.AllocatedRN >= ps.MaxRN {
		return false
	}
	for _, rn := range ps.Pool.RenderNodes {
		if rn.IsAvailable() {
			return true
		}
	}
	return false
}

// Release decrements the allocation count, flooring at zero.
func (ps *PoolShare) Release() {
	if ps.AllocatedRN > 0 {
		ps.AllocatedRN--
	}
}
