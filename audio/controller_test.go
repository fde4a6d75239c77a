package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/camlink/transport"
)

// fakeAudioConn records commands and lets tests inject inbound datagrams.
type fakeAudioConn struct {
	mu       sync.Mutex
	commands []transport.Command
	sent     [][]byte

	events    chan transport.AudioEvent
	closeOnce sync.Once
}

func newFakeAudioConn() *fakeAudioConn {
	return &fakeAudioConn{events: make(chan transport.AudioEvent, 32)}
}

func (f *fakeAudioConn) SendCommand(cmd transport.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeAudioConn) SendAudio(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkt := make([]byte, len(payload))
	copy(pkt, payload)
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeAudioConn) Events() <-chan transport.AudioEvent { return f.events }

func (f *fakeAudioConn) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAudioConn) commandLog() []transport.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeAudioConn) sentPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestAudioController(t *testing.T, cfg ControllerConfig) (*Controller, *fakeAudioConn) {
	t.Helper()
	fc := newFakeAudioConn()
	cfg.Dial = func(transport.AudioConfig) (Conn, error) { return fc, nil }
	if cfg.Playback == (Format{}) {
		cfg.Playback = Format{SampleRate: 16000, Channels: 2}
	}
	if cfg.Capture == (Format{}) {
		cfg.Capture = Format{SampleRate: 16000, Channels: 1}
	}

	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, fc
}

func TestConnectTwiceFails(t *testing.T) {
	c, _ := newTestAudioController(t, ControllerConfig{})

	require.NoError(t, c.Connect("192.168.4.1"))
	assert.Equal(t, StateIdle, c.State())

	assert.ErrorIs(t, c.Connect("192.168.4.1"), ErrAlreadyConnected)
}

func TestOperationsRequireConnection(t *testing.T) {
	c, _ := newTestAudioController(t, ControllerConfig{})

	assert.ErrorIs(t, c.StartListening(), ErrNotConnected)
	assert.ErrorIs(t, c.StartTalking(), ErrNotConnected)
	assert.ErrorIs(t, c.StopAudio(), ErrNotConnected)
	assert.ErrorIs(t, c.PushCapture([]int16{0}), ErrNotConnected)
}

func TestHalfDuplexSwitching(t *testing.T) {
	c, fc := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))

	require.NoError(t, c.StartListening())
	assert.Equal(t, StateListening, c.State())

	// Talking interrupts listening; exactly one mode is ever active.
	require.NoError(t, c.StartTalking())
	assert.Equal(t, StateTalking, c.State())

	assert.Equal(t, []transport.Command{
		transport.CommandDeviceSend,
		transport.CommandDeviceReceive,
	}, fc.commandLog())
}

func TestStartTalkingIsIdempotent(t *testing.T) {
	c, fc := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))

	require.NoError(t, c.StartTalking())
	require.NoError(t, c.StartTalking())

	assert.Equal(t, []transport.Command{transport.CommandDeviceReceive}, fc.commandLog())
}

func TestStopResumesInterruptedListening(t *testing.T) {
	c, fc := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))

	require.NoError(t, c.StartListening())
	require.NoError(t, c.StartTalking())
	require.NoError(t, c.StopAudio())

	// Talking interrupted a listening session, so stop resumes it.
	assert.Equal(t, StateListening, c.State())
	assert.Equal(t, []transport.Command{
		transport.CommandDeviceSend,
		transport.CommandDeviceReceive,
		transport.CommandStop,
		transport.CommandDeviceSend,
	}, fc.commandLog())
}

func TestStopWithoutInterruptionStaysIdle(t *testing.T) {
	c, _ := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))

	require.NoError(t, c.StartTalking())
	require.NoError(t, c.StopAudio())
	assert.Equal(t, StateIdle, c.State())
}

func TestPushCaptureOnlyWhileTalking(t *testing.T) {
	c, fc := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))

	assert.ErrorIs(t, c.PushCapture([]int16{1, 2}), ErrNotTalking)

	require.NoError(t, c.StartTalking())

	// 128 mono samples map to dual-mono: 512 device bytes, one packet.
	samples := make([]int16, 128)
	for i := range samples {
		samples[i] = int16(i)
	}
	require.NoError(t, c.PushCapture(samples))

	packets := fc.sentPackets()
	require.Len(t, packets, 1)
	assert.Len(t, packets[0], 512)
}

func TestInboundAudioDeliveredWhileListening(t *testing.T) {
	got := make(chan []byte, 8)

	c, fc := newTestAudioController(t, ControllerConfig{})
	c.OnAudioData(func(pcm []byte) { got <- pcm })
	require.NoError(t, c.Connect("192.168.4.1"))
	require.NoError(t, c.StartListening())

	// DefaultChunkPackets full packets complete one playback chunk.
	pkt := make([]byte, 512)
	for i := 0; i < DefaultChunkPackets; i++ {
		fc.events <- transport.AudioEvent{Type: transport.AudioEventData, Data: pkt}
	}

	select {
	case pcm := <-got:
		assert.NotEmpty(t, pcm)
	case <-time.After(2 * time.Second):
		t.Fatal("playback chunk never delivered")
	}
}

func TestInboundAudioIgnoredWhileIdle(t *testing.T) {
	got := make(chan []byte, 8)

	c, fc := newTestAudioController(t, ControllerConfig{})
	c.OnAudioData(func(pcm []byte) { got <- pcm })
	require.NoError(t, c.Connect("192.168.4.1"))

	pkt := make([]byte, 512)
	for i := 0; i < DefaultChunkPackets*2; i++ {
		fc.events <- transport.AudioEvent{Type: transport.AudioEventData, Data: pkt}
	}

	select {
	case <-got:
		t.Fatal("audio delivered outside the listening state")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransportErrorFailsSession(t *testing.T) {
	states := make(chan string, 16)

	c, fc := newTestAudioController(t, ControllerConfig{})
	c.OnStateChange(func(state, message string) { states <- state })
	require.NoError(t, c.Connect("192.168.4.1"))
	require.NoError(t, c.StartListening())

	fc.events <- transport.AudioEvent{Type: transport.AudioEventError, Err: transport.ErrConnectionFailed}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateFailed {
				assert.Equal(t, StateFailed, c.State())
				return
			}
		case <-deadline:
			t.Fatal("session never failed")
		}
	}
}

func TestAutoListenAfterSettle(t *testing.T) {
	c, fc := newTestAudioController(t, ControllerConfig{
		AutoListen:  true,
		SettleDelay: 10 * time.Millisecond,
	})
	require.NoError(t, c.Connect("192.168.4.1"))

	require.Eventually(t, func() bool {
		return c.State() == StateListening
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []transport.Command{transport.CommandDeviceSend}, fc.commandLog())
}

func TestCloseResetsSession(t *testing.T) {
	c, _ := newTestAudioController(t, ControllerConfig{})
	require.NoError(t, c.Connect("192.168.4.1"))
	require.NoError(t, c.StartListening())

	require.NoError(t, c.Close())
	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.StartListening(), ErrNotConnected)
}
