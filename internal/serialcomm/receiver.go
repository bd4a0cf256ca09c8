// serialcomm/receiver.go
package serialcomm

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

const readChunk = 256

// receive is the only code that blocks on the port. It stops when stopCh is
// closed or the port fails.
func (t *Transport) receive(port Port, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	data := make([]byte, readChunk)
	log.Debug().Msg("serial receive loop started")

	for {
		n, err := port.Read(data)
		if n > 0 {
			ev := Event{Dir: DirRX, Data: cloneBytes(data[:n]), At: time.Now()}
			log.Debug().Int("len", n).Hex("data", ev.Data).Msg("RX")
			t.events.Push(ev)
			if t.observer != nil {
				t.observer(ev)
			}
		}

		select {
		case <-stopCh:
			log.Debug().Msg("serial receive loop stopped")
			return
		default:
		}

		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// read timeout with nothing pending
			time.Sleep(10 * time.Millisecond)
			continue
		}
		t.fail(port, err)
		return
	}
}

// fail closes a session whose port broke underneath it and tells the consumer.
func (t *Transport) fail(port Port, cause error) {
	t.mu.Lock()
	if t.port != port {
		t.mu.Unlock()
		return
	}
	t.closeLocked()
	// pushed under the lock so a reconnect cannot slip in ahead of it
	t.events.Push(Event{Dir: DirRX, At: time.Now(), Err: cause})
	t.mu.Unlock()

	log.Error().Err(cause).Msg("serial read failed, session closed")
}
