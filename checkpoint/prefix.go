package checkpoint

// Prefix tracks chunk commits arriving out of order and yields the marker
// of the highest contiguous committed prefix. The persisted checkpoint is
// never a value past a gap.
type Prefix struct {
	next    int
	pending map[int]string
}

// NewPrefix starts tracking at chunk index 0.
func NewPrefix() *Prefix {
	return &Prefix{pending: map[int]string{}}
}

// Commit records a committed chunk with its checkpoint marker. It returns
// the marker to persist and true when the contiguous frontier advanced;
// otherwise the commit is held pending until the gap before it closes.
func (p *Prefix) Commit(index int, marker string) (string, bool) {
	p.pending[index] = marker
	advanced := false
	var last string
	for {
		m, ok := p.pending[p.next]
		if !ok {
			break
		}
		delete(p.pending, p.next)
		p.next++
		last = m
		advanced = true
	}
	return last, advanced
}

// Committed returns how many chunks form the contiguous committed prefix.
func (p *Prefix) Committed() int {
	return p.next
}

// Pending returns how many commits are held behind a gap.
func (p *Prefix) Pending() int {
	return len(p.pending)
}
