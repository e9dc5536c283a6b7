package ipc

import "sync"

// Rendezvous hands the next line of operator input to a waiting question.
// It is armed once per free-text question and resolved by at most one Offer.
type Rendezvous struct {
	mu sync.Mutex
	ch chan string
}

// Arm opens the rendezvous and returns the channel the answer arrives on.
// Arming again replaces a previous, unresolved arm.
func (r *Rendezvous) Arm() <-chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ch = make(chan string, 1)
	return r.ch
}

// Offer delivers text if the rendezvous is armed and disarms it.
func (r *Rendezvous) Offer(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return false
	}
	r.ch <- text
	r.ch = nil
	return true
}

func (r *Rendezvous) Disarm() {
	r.mu.Lock()
	r.ch = nil
	r.mu.Unlock()
}

func (r *Rendezvous) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch != nil
}
