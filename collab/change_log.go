package collab

// ordered, capped record of recent changes for one room
// the log only backfills joining clients. It is never replayed to rebuild content.
// not safe for concurrent use. The owning room serializes access.
type ChangeLog struct {
	capacity int
	changes  []TemplateChange
}

func NewChangeLog(capacity int) *ChangeLog {
	return &ChangeLog{
		capacity: capacity,
		changes:  []TemplateChange{},
	}
}

// appends and evicts oldest-first past capacity
func (self *ChangeLog) Append(change TemplateChange) {
	self.changes = append(self.changes, change)
	if n := len(self.changes); self.capacity < n {
		// copy down so the backing array does not grow without bound
		self.changes = append(self.changes[:0:0], self.changes[n-self.capacity:]...)
	}
}

// the most recent `n` changes in arrival order
func (self *ChangeLog) Recent(n int) []TemplateChange {
	if n <= 0 {
		return []TemplateChange{}
	}
	start := max(0, len(self.changes)-n)
	out := make([]TemplateChange, len(self.changes)-start)
	copy(out, self.changes[start:])
	return out
}

func (self *ChangeLog) All() []TemplateChange {
	return self.Recent(len(self.changes))
}

func (self *ChangeLog) Len() int {
	return len(self.changes)
}
