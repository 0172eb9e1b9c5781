package credentials

import "sync"

// Pool hands out credentials round-robin. Values are unique; an empty pool is
// valid and means callers should fall back to the environment credential.
type Pool struct {
	mu     sync.Mutex
	keys   []string
	seen   map[string]struct{}
	cursor int
}

func NewPool(keys ...string) *Pool {
	p := &Pool{seen: make(map[string]struct{})}
	p.Add(keys...)
	return p
}

// Add appends keys not already in the pool and returns how many were new.
// The cursor keeps pointing at the same credential.
func (p *Pool) Add(keys ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(keys)
}

func (p *Pool) addLocked(keys []string) int {
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := p.seen[k]; ok {
			continue
		}
		p.seen[k] = struct{}{}
		p.keys = append(p.keys, k)
		added++
	}
	return added
}

// Next returns the credential under the cursor and advances it. It returns ""
// when the pool is empty.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return ""
	}
	k := p.keys[p.cursor%len(p.keys)]
	p.cursor = (p.cursor + 1) % len(p.keys)
	return k
}

// Clear empties the pool and resets the cursor.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
}

func (p *Pool) clearLocked() {
	p.keys = nil
	p.seen = make(map[string]struct{})
	p.cursor = 0
}

// Replace swaps the whole pool for keys in one step.
func (p *Pool) Replace(keys ...string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	return p.addLocked(keys)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
