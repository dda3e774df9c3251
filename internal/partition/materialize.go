package partition

// Partitions maps partition-ids to their VMs. Partition-ids and the VMs in
// each group keep the order in which they were first encountered.
type Partitions struct {
	ids    []int
	groups map[int][]string
}

// Materialize groups an assignment by partition-id. Singletons (-1) form one
// ordinary group.
func Materialize(a *Assignment) *Partitions {
	p := &Partitions{groups: make(map[int][]string)}
	a.Range(func(vm string, id int) bool {
		if _, ok := p.groups[id]; !ok {
			p.ids = append(p.ids, id)
		}
		p.groups[id] = append(p.groups[id], vm)
		return true
	})
	return p
}

// IDs returns the partition-ids in first-encounter order.
func (p *Partitions) IDs() []int {
	ids := make([]int, len(p.ids))
	copy(ids, p.ids)
	return ids
}

// Members returns the VMs of partition id.
func (p *Partitions) Members(id int) []string {
	return p.groups[id]
}

// Len returns the number of groups, including the singleton group.
func (p *Partitions) Len() int {
	return len(p.ids)
}

// Range calls fn for every group in first-encounter order until fn returns false.
func (p *Partitions) Range(fn func(id int, vms []string) bool) {
	for _, id := range p.ids {
		if !fn(id, p.groups[id]) {
			return
		}
	}
}

// Flatten converts the groups back into an assignment.
func (p *Partitions) Flatten() *Assignment {
	a := NewAssignment()
	p.Range(func(id int, vms []string) bool {
		for _, vm := range vms {
			a.Set(vm, id)
		}
		return true
	})
	return a
}
