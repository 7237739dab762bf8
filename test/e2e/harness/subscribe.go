package harness

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/cdktr/pkg/protocol"
)

// Subscribe dials the fan-out endpoint filtered by workflow id prefix and
// streams frames on the returned channel until ctx is cancelled or the
// connection drops. The channel closes when the stream ends.
func (h *Harness) Subscribe(ctx context.Context, workflowIDPrefix string) <-chan *protocol.LogFrame {
	h.t.Helper()

	url := h.cfg.LogSubscribeURL(workflowIDPrefix)
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	frames := make(chan *protocol.LogFrame, 256)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.ParseFrame(data)
			if err != nil {
				continue
			}
			select {
			case frames <- f:
			default:
				// Tests that fall behind lose frames rather than stall
				// the fan-out.
			}
		}
	}()
	return frames
}
