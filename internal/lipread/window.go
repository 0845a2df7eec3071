package lipread

// Window is the bounded FIFO of the most recent frames for one session.
// Pushing beyond capacity drops the oldest frame. Window is not safe for
// concurrent use; callers serialize access per session.
type Window struct {
	buf  []Frame
	head int
	n    int
}

// NewWindow returns an empty window holding at most capacity frames.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Frame, capacity)}
}

// Push appends f at the tail, evicting the head when full.
func (w *Window) Push(f Frame) {
	tail := (w.head + w.n) % len(w.buf)
	w.buf[tail] = f
	if w.n < len(w.buf) {
		w.n++
		return
	}
	w.head = (w.head + 1) % len(w.buf)
}

// Reset empties the window.
func (w *Window) Reset() {
	clear(w.buf)
	w.head = 0
	w.n = 0
}

// Snapshot returns the buffered frames oldest first. The returned slice is
// owned by the caller.
func (w *Window) Snapshot() []Frame {
	out := make([]Frame, w.n)
	for i := range w.n {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func (w *Window) Len() int { return w.n }

func (w *Window) Cap() int { return len(w.buf) }
