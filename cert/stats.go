package cert

// stats accumulates the certification index's running averages. Not
// independently locked; it is guarded by the owning Index's mu.
type stats struct {
	intervalSamples, intervalSum int64
	dependsSamples, dependsSum   int64
	size                         int
}

func (s *stats) recordInterval(v int64) {
	s.intervalSum += v
	s.intervalSamples++
}

func (s *stats) recordDepends(v int64) {
	s.dependsSum += v
	s.dependsSamples++
}

func (s *stats) setSize(n int) { s.size = n }

// Stats is a point-in-time snapshot of the index's running averages.
type Stats struct {
	AverageCertificationInterval float64 // average of (assigned - last_seen).
	AverageDependsDistance       float64 // average of (assigned - depends).
	IndexSize                    int
}

func (s *stats) snapshot() Stats {
	var out = Stats{IndexSize: s.size}
	if s.intervalSamples > 0 {
		out.AverageCertificationInterval = float64(s.intervalSum) / float64(s.intervalSamples)
	}
	if s.dependsSamples > 0 {
		out.AverageDependsDistance = float64(s.dependsSum) / float64(s.dependsSamples)
	}
	return out
}

// Stats returns the index's current running averages.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.stats.snapshot()
}

// ResetStats atomically zeroes the running averages, preserving IndexSize.
func (idx *Index) ResetStats() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var size = idx.stats.size
	idx.stats = stats{size: size}
}
