package replog

// HealthView exposes the latest health snapshot.
type HealthView interface {
	Snapshot() HealthSnapshot
}

// QuorumGate decides whether the primary may accept writes. The primary
// always counts itself as healthy.
type QuorumGate struct {
	view        HealthView
	clusterSize int
}

func NewQuorumGate(view HealthView, clusterSize int) *QuorumGate {
	return &QuorumGate{view: view, clusterSize: clusterSize}
}

// HealthyNodes counts the primary plus every healthy follower.
func (g *QuorumGate) HealthyNodes() int {
	n := 1
	for _, h := range g.view.Snapshot() {
		if h.Status == Healthy {
			n++
		}
	}
	return n
}

// CanAcceptWrites reports whether a majority of the cluster is healthy.
func (g *QuorumGate) CanAcceptWrites() bool {
	return g.HealthyNodes() >= QuorumSize(g.clusterSize)
}
