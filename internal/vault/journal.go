package vault

// journal collects undo steps for the effects of one operation so they can be reverted in
// reverse order when persisting or an external interaction fails.
type journal struct {
	undo []func()
}

func (j *journal) record(undo func()) {
	j.undo = append(j.undo, undo)
}

func (j *journal) revert() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}
