package stream

import "sync"

const defaultMaxStreams = 1000

// Reasons reported by streamLimiter.acquire.
const (
	limitPerIP = "per_ip"
	limitTotal = "total"
)

// streamLimiter caps open SSE connections per client address and overall.
// Unlike the request limiter in httputil it counts live connections, not
// request rate.
type streamLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newStreamLimiter(maxPerIP, maxTotal int) *streamLimiter {
	if maxPerIP < 1 {
		maxPerIP = 1
	}
	if maxTotal < 1 {
		maxTotal = defaultMaxStreams
	}
	return &streamLimiter{
		open:     make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// acquire reserves a slot for ip. It returns "" on success or the name of
// the limit that refused it.
func (l *streamLimiter) acquire(ip string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.total >= l.maxTotal:
		return limitTotal
	case l.open[ip] >= l.maxPerIP:
		return limitPerIP
	}
	l.open[ip]++
	l.total++
	return ""
}

// release frees a slot taken by a successful acquire.
func (l *streamLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.open[ip] <= 1 {
		delete(l.open, ip)
	} else {
		l.open[ip]--
	}
	if l.total > 0 {
		l.total--
	}
}

func (l *streamLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}
