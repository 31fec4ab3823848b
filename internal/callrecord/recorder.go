package callrecord

import (
	"context"
	"log"
	"time"
)

const writeTimeout = 5 * time.Second

// Inserter is the write side of Store.
type Inserter interface {
	Insert(ctx context.Context, r Record) error
}

// Recorder queues records and writes them on its own goroutine so session
// teardown never waits on the database.
type Recorder struct {
	store   Inserter
	records chan Record
	done    chan struct{}
}

// NewRecorder creates a Recorder with a bounded queue.
func NewRecorder(store Inserter, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		store:   store,
		records: make(chan Record, buffer),
		done:    make(chan struct{}),
	}
}

// Record queues r without blocking. Records are dropped when the queue is
// full.
func (rc *Recorder) Record(r Record) {
	select {
	case rc.records <- r:
	default:
		log.Printf("[callrecord] queue full, dropping record for session=%s", r.SessionID)
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// already queued.
func (rc *Recorder) Run(ctx context.Context) {
	defer close(rc.done)
	for {
		select {
		case r := <-rc.records:
			rc.write(context.Background(), r)
		case <-ctx.Done():
			for {
				select {
				case r := <-rc.records:
					rc.write(context.Background(), r)
				default:
					log.Println("[callrecord] recorder stopped")
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (rc *Recorder) Done() <-chan struct{} {
	return rc.done
}

func (rc *Recorder) write(ctx context.Context, r Record) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := rc.store.Insert(wctx, r); err != nil {
		log.Printf("[callrecord] session=%s: %v", r.SessionID, err)
	}
}
