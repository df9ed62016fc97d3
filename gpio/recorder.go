package gpio

import (
	"log"
	"sync"
)

// Event is one recorded Set call.
type Event struct {
	Channel Channel
	On      bool
}

// Recorder is a Writer that keeps every level change in memory. It backs
// hosts without GPIO hardware and the tests of packages that drive outputs.
type Recorder struct {
	mu      sync.Mutex
	levels  map[Channel]bool
	events  []Event
	verbose bool
}

// NewRecorder creates a Recorder with every channel low. When verbose is set
// each change is logged, which is how level changes stay visible on a desktop
// build.
func NewRecorder(verbose bool) *Recorder {
	return &Recorder{levels: make(map[Channel]bool), verbose: verbose}
}

// Set records the level change.
func (r *Recorder) Set(ch Channel, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[ch] = on
	r.events = append(r.events, Event{Channel: ch, On: on})
	if r.verbose {
		log.Printf("GPIO: %s -> %v", ch, on)
	}
}

// Level reports the last level written to ch.
func (r *Recorder) Level(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[ch]
}

// Events returns a copy of every Set call so far, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets recorded events but keeps current levels.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
