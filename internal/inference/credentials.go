package inference

// credentialPool is an ordered key list with a cyclic cursor.
// The cursor is always a valid index. Callers hold Client.mu.
type credentialPool struct {
	keys []string
	idx  int
}

func (p *credentialPool) current() (int, string) {
	return p.idx, p.keys[p.idx]
}

// advanceFrom moves the cursor past from. If another caller already moved
// it, the cursor is left alone so one quota error rotates at most once.
func (p *credentialPool) advanceFrom(from int) (next int, moved bool) {
	if p.idx != from {
		return p.idx, false
	}
	p.idx = (p.idx + 1) % len(p.keys)
	return p.idx, true
}

func (p *credentialPool) size() int { return len(p.keys) }

// maskKey keeps the first six characters of a key for logs and /ai_status.
func maskKey(k string) string {
	if len(k) <= 6 {
		return "***"
	}
	return k[:6] + "..."
}
