package trace

import "sort"

// state holds products and their logs behind one lock so a reader never
// sees a product without the movements that produced it.
type state struct {
	products map[string]Product
	logs     map[string][]Movement
	applied  map[string]bool
}

func newState() *state {
	return &state{
		products: make(map[string]Product),
		logs:     make(map[string][]Movement),
		applied:  make(map[string]bool),
	}
}

// apply installs a committed change set. Callers hold the write lock.
func (s *state) apply(cs ChangeSet) {
	if s.applied[cs.ID] {
		return
	}
	for _, p := range cs.Products {
		s.products[p.BatchNumber] = p
	}
	for _, m := range cs.Movements {
		log := s.logs[m.BatchNumber]
		if int64(len(log)) != m.Seq {
			continue
		}
		s.logs[m.BatchNumber] = append(log, m)
	}
	s.applied[cs.ID] = true
}

// replace overwrites one batch with the store's view of it, dropping the
// batch when the store does not hold it. Callers hold the write lock.
func (s *state) replace(batchNumber string, p Product, ok bool, log []Movement) {
	if !ok {
		delete(s.products, batchNumber)
		delete(s.logs, batchNumber)
		return
	}
	s.products[batchNumber] = p
	sorted := append([]Movement(nil), log...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	s.logs[batchNumber] = sorted
}

func (s *state) load(snap Snapshot) {
	s.products = make(map[string]Product, len(snap.Products))
	s.logs = make(map[string][]Movement, len(snap.Movements))
	for _, p := range snap.Products {
		s.products[p.BatchNumber] = p
	}
	for batch, log := range snap.Movements {
		sorted := append([]Movement(nil), log...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
		s.logs[batch] = sorted
	}
}

func (s *state) product(batchNumber string) (Product, bool) {
	p, ok := s.products[batchNumber]
	return p, ok
}

// history returns a copy so callers cannot alias the live log.
func (s *state) history(batchNumber string) []Movement {
	log := s.logs[batchNumber]
	if len(log) == 0 {
		return nil
	}
	return append([]Movement(nil), log...)
}

func (s *state) lastMovement(batchNumber string) (Movement, bool) {
	log := s.logs[batchNumber]
	if len(log) == 0 {
		return Movement{}, false
	}
	return log[len(log)-1], true
}

func (s *state) all() []Product {
	out := make([]Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out
}
