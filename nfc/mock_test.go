package nfc

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// mockCard is a scripted card handle. Responses are keyed by the hex form
// of the command frame; errs queues one-shot transmit failures consumed
// before the scripted response.
type mockCard struct {
	mu         sync.Mutex
	atr        []byte
	responses  map[string][]byte
	errs       []error
	transmits  [][]byte
	reconnects int
	reconnErr  error
}

func newMockCard(atr []byte) *mockCard {
	return &mockCard{
		atr:       atr,
		responses: make(map[string][]byte),
	}
}

func (c *mockCard) respond(cmd, resp []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[hex.EncodeToString(cmd)] = resp
}

func (c *mockCard) failNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *mockCard) transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.transmits...)
}

func (c *mockCard) transmitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transmits)
}

func (c *mockCard) reconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *mockCard) Status() (*scard.CardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &scard.CardStatus{Atr: c.atr}, nil
}

func (c *mockCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transmits = append(c.transmits, append([]byte(nil), cmd...))
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return nil, err
	}
	resp, ok := c.responses[hex.EncodeToString(cmd)]
	if !ok {
		return []byte{0x6A, 0x81}, nil
	}
	return resp, nil
}

func (c *mockCard) Reconnect(scard.ShareMode, scard.Protocol, scard.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	return c.reconnErr
}

func (c *mockCard) Disconnect(scard.Disposition) error {
	return nil
}

// mockContext simulates one reader whose presence flag tests flip. The
// status-change wait reports a transition whenever the flag differs from the
// caller's recorded state, and times out otherwise.
type mockContext struct {
	mu       sync.Mutex
	readers  []string
	listErr  error
	present  bool
	card     *mockCard
	connects int
	connErr  error
	released bool
}

func newMockContext(reader string, card *mockCard) *mockContext {
	return &mockContext{readers: []string{reader}, card: card}
}

func (m *mockContext) setPresent(p bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = p
}

func (m *mockContext) setReaders(names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers = names
}

func (m *mockContext) setListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

func (m *mockContext) setConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connErr = err
}

func (m *mockContext) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *mockContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.readers...), nil
}

func (m *mockContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		var ev scard.StateFlag
		if m.present {
			ev = scard.StatePresent
		} else {
			ev = scard.StateEmpty
		}
		m.mu.Unlock()

		cur := states[0].CurrentState &^ scard.StateChanged
		if cur == scard.StateUnaware || cur != ev {
			states[0].EventState = ev | scard.StateChanged
			return nil
		}
		if time.Now().After(deadline) {
			return scard.ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *mockContext) Connect(string, scard.ShareMode, scard.Protocol) (CardHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connErr != nil {
		return nil, m.connErr
	}
	return m.card, nil
}

func (m *mockContext) Cancel() error { return nil }

func (m *mockContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}
