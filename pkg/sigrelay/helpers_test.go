package sigrelay

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/n0ot/sigrelay/pkg/model"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel
	return log
}

// fakeConn records what the relay sends it.
type fakeConn struct {
	mtx         sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
}

var errFakeSend = errors.New("send failed")

func (c *fakeConn) Send(frame []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// take returns and forgets everything sent so far.
func (c *fakeConn) take() [][]byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	frames := c.frames
	c.frames = nil
	return frames
}

// takeMessages returns everything sent so far, as presence messages.
func (c *fakeConn) takeMessages(t *testing.T) []model.PeerMessage {
	t.Helper()
	var msgs []model.PeerMessage
	for _, frame := range c.take() {
		var msg model.PeerMessage
		require.NoError(t, json.Unmarshal(frame, &msg), "frame: %s", frame)
		msgs = append(msgs, msg)
	}
	return msgs
}

// seqIDs hands out ids from a fixed list, ignoring the requested length.
type seqIDs struct {
	mtx sync.Mutex
	ids []string
	i   int
}

func newSeqIDs(ids ...string) *seqIDs {
	return &seqIDs{ids: ids}
}

func (g *seqIDs) NextID(length int) string {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	id := g.ids[g.i%len(g.ids)]
	g.i++
	return id
}

// repeatIDs always returns the same character repeated to the requested length.
type repeatIDs string

func (g repeatIDs) NextID(length int) string {
	return strings.Repeat(string(g), length)
}
