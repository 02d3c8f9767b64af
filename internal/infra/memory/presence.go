package memory

import (
	"context"
	"sync"
)

// Presence is an in-memory implementation of app.Presence.
type Presence struct {
	mu     sync.Mutex
	owners map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{owners: make(map[string]map[string]struct{})}
}

// Claim registers the session and reports whether another session already
// holds the attempt.
func (p *Presence) Claim(_ context.Context, attemptID, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions, ok := p.owners[attemptID]
	if !ok {
		sessions = make(map[string]struct{})
		p.owners[attemptID] = sessions
	}
	contended := false
	for id := range sessions {
		if id != sessionID {
			contended = true
			break
		}
	}
	sessions[sessionID] = struct{}{}
	return contended, nil
}

func (p *Presence) Release(_ context.Context, attemptID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions, ok := p.owners[attemptID]
	if !ok {
		return nil
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(p.owners, attemptID)
	}
	return nil
}

// Holders returns the number of sessions holding an attempt.
func (p *Presence) Holders(attemptID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners[attemptID])
}
