package session

// portAllocator hands out proxy ports from a fixed inclusive range, always
// choosing the lowest free port. It carries no locking of its own: the
// Registry calls it inside its critical section so allocation decisions see
// a consistent view of port occupancy.
type portAllocator struct {
	min   int
	max   int
	inUse map[int]bool
}

func newPortAllocator(min, max int) *portAllocator {
	return &portAllocator{
		min:   min,
		max:   max,
		inUse: make(map[int]bool),
	}
}

// allocate returns the lowest free port in range and marks it held, or
// ErrAllocationExhausted when every port is occupied. Always taking the
// lowest free port keeps allocation deterministic across restarts.
func (p *portAllocator) allocate() (int, error) {
	for port := p.min; port <= p.max; port++ {
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrAllocationExhausted
}

// claim marks a specific port held, failing if it is already occupied or
// out of range.
func (p *portAllocator) claim(port int) error {
	if port < p.min || port > p.max || p.inUse[port] {
		return ErrDuplicatePort
	}
	p.inUse[port] = true
	return nil
}

func (p *portAllocator) release(port int) {
	delete(p.inUse, port)
}

func (p *portAllocator) held() int {
	return len(p.inUse)
}
