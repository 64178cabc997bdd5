package session

// PresenterSlot is either vacant or held by exactly one identity.
// The zero value is vacant.
type PresenterSlot struct {
	holder string
	held   bool
}

// Acquire moves a vacant slot to held by identity
func (p *PresenterSlot) Acquire(identity string) bool {
	if p.held {
		return false
	}
	p.holder = identity
	p.held = true
	return true
}

// Release vacates the slot if identity holds it
func (p *PresenterSlot) Release(identity string) bool {
	if !p.held || p.holder != identity {
		return false
	}
	p.holder = ""
	p.held = false
	return true
}

// Holder returns the current holder
func (p *PresenterSlot) Holder() (string, bool) {
	return p.holder, p.held
}

// IsHeldBy reports whether identity holds the slot
func (p *PresenterSlot) IsHeldBy(identity string) bool {
	return p.held && p.holder == identity
}
