package partition

// Singleton is the partition-id of a VM with no similar peers.
const Singleton = -1

// Assignment maps VM-ids to partition-ids and remembers the order in which
// VMs were assigned.
type Assignment struct {
	order []string
	ids   map[string]int
}

// NewAssignment creates an empty Assignment.
func NewAssignment() *Assignment {
	return &Assignment{ids: make(map[string]int)}
}

// Set assigns vm to partition id. Re-assigning keeps the original position.
func (a *Assignment) Set(vm string, id int) {
	if _, ok := a.ids[vm]; !ok {
		a.order = append(a.order, vm)
	}
	a.ids[vm] = id
}

// Get returns the partition-id of vm.
func (a *Assignment) Get(vm string) (int, bool) {
	id, ok := a.ids[vm]
	return id, ok
}

// Has reports whether vm has been assigned.
func (a *Assignment) Has(vm string) bool {
	_, ok := a.ids[vm]
	return ok
}

// Len returns the number of assigned VMs.
func (a *Assignment) Len() int {
	return len(a.order)
}

// Keys returns the VM-ids in assignment order.
func (a *Assignment) Keys() []string {
	keys := make([]string, len(a.order))
	copy(keys, a.order)
	return keys
}

// Range calls fn for every VM in assignment order until fn returns false.
func (a *Assignment) Range(fn func(vm string, id int) bool) {
	for _, vm := range a.order {
		if !fn(vm, a.ids[vm]) {
			return
		}
	}
}

// Map returns the assignment as a plain map.
func (a *Assignment) Map() map[string]int {
	m := make(map[string]int, len(a.ids))
	for vm, id := range a.ids {
		m[vm] = id
	}
	return m
}
