package call

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/pkg/provider/stt"
	sttmock "github.com/voxbridge/voxbridge/pkg/provider/stt/mock"
)

// fakeConn feeds scripted inbound frames to the loop and records writes.
type fakeConn struct {
	frames chan []byte

	mu          sync.Mutex
	writes      [][]byte
	closeCode   websocket.StatusCode
	closeReason string
	closeCalls  int
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 64)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-c.frames:
		if !ok {
			return 0, nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
		}
		return websocket.MessageText, data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func audioFrame(pcm []byte) []byte {
	return []byte(fmt.Sprintf(`{"kind":"AudioData","audioData":{"data":%q,"silent":false}}`,
		base64.StdEncoding.EncodeToString(pcm)))
}

func metadataFrame() []byte {
	return []byte(`{"kind":"AudioMetadata","audioMetadata":{"encoding":"PCM","sampleRate":16000}}`)
}

type loopFixture struct {
	conn   *fakeConn
	sess   *sttmock.Session
	driver *RecognizerDriver
	gate   *Gate
	loop   *MediaLoop
	done   chan error
}

func newLoopFixture(t *testing.T, gate *Gate, onMetadata func(context.Context), maxTasks, overflow int) *loopFixture {
	t.Helper()
	conn := newFakeConn()
	sess := newTestSession()
	driver := NewRecognizerDriver("call-1", &sttmock.Provider{Session: sess},
		stt.StreamConfig{}, RecognizerCallbacks{}, nil)
	if err := driver.WarmUp(context.Background()); err != nil {
		t.Fatalf("WarmUp: %v", err)
	}
	loop := NewMediaLoop("call-1", conn, gate, driver, onMetadata, maxTasks, overflow, nil)
	return &loopFixture{
		conn:   conn,
		sess:   sess,
		driver: driver,
		gate:   gate,
		loop:   loop,
		done:   make(chan error, 1),
	}
}

func (f *loopFixture) run(ctx context.Context) {
	go func() { f.done <- f.loop.Run(ctx) }()
}

func (f *loopFixture) finish(t *testing.T) {
	t.Helper()
	close(f.conn.frames)
	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run returned %v on normal close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after close")
	}
	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)
	f.driver.Stop()
}

func TestMediaLoop_AudioFlowsWhenGateOpen(t *testing.T) {
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)
	f.run(context.Background())

	for i := 0; i < 3; i++ {
		f.conn.frames <- audioFrame([]byte{1, 2, 3, 4})
	}
	waitFor(t, func() bool { return f.loop.Stats().Processed == 3 }, "frames not processed")

	f.finish(t)
	if got := f.sess.SendAudioCallCount(); got != 3 {
		t.Errorf("SendAudio called %d times, want 3", got)
	}
}

func TestMediaLoop_GateClosedDropsAudio(t *testing.T) {
	f := newLoopFixture(t, NewGate(true), nil, 0, 0)
	f.run(context.Background())

	for i := 0; i < 5; i++ {
		f.conn.frames <- audioFrame([]byte{1, 2})
	}
	waitFor(t, func() bool { return f.loop.Stats().Dropped == 5 }, "closed-gate frames not dropped")

	f.finish(t)
	if f.loop.Stats().Processed != 0 {
		t.Errorf("processed = %d behind closed gate", f.loop.Stats().Processed)
	}
	if got := f.sess.SendAudioCallCount(); got != 0 {
		t.Errorf("recognizer received %d frames behind closed gate", got)
	}
}

func TestMediaLoop_MetadataTriggersCallback(t *testing.T) {
	var calls atomic.Int32
	f := newLoopFixture(t, NewGate(false), func(context.Context) { calls.Add(1) }, 0, 0)
	f.run(context.Background())

	f.conn.frames <- metadataFrame()
	f.conn.frames <- metadataFrame()
	waitFor(t, func() bool { return calls.Load() == 2 }, "metadata callback not invoked")
	f.finish(t)
}

func TestMediaLoop_SurvivesBadAndUnknownFrames(t *testing.T) {
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)
	f.run(context.Background())

	f.conn.frames <- []byte(`{not json`)
	f.conn.frames <- []byte(`{"kind":"SomethingNew","payload":{}}`)
	f.conn.frames <- []byte(`{"kind":"DtmfData","dtmfData":{"data":"five"}}`)
	f.conn.frames <- []byte(`{"kind":"DtmfData"}`)
	f.conn.frames <- []byte(`{"kind":"AudioData"}`)
	f.conn.frames <- audioFrame([]byte{1, 2, 3, 4})

	waitFor(t, func() bool { return f.loop.Stats().Processed == 1 },
		"loop did not survive malformed frames")
	f.finish(t)
}

func TestMediaLoop_AudioBeforeWarmUpIsDropped(t *testing.T) {
	conn := newFakeConn()
	sess := newTestSession()
	driver := NewRecognizerDriver("call-1", &sttmock.Provider{Session: sess},
		stt.StreamConfig{}, RecognizerCallbacks{}, nil)
	loop := NewMediaLoop("call-1", conn, NewGate(false), driver, nil, 0, 0, nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	for i := 0; i < 5; i++ {
		conn.frames <- audioFrame([]byte{1, 2})
	}
	waitFor(t, func() bool { return loop.Stats().Dropped == 5 },
		"pre-warm-up frames not dropped")
	if loop.Stats().Processed != 0 {
		t.Errorf("processed = %d before warm-up", loop.Stats().Processed)
	}
	if got := sess.SendAudioCallCount(); got != 0 {
		t.Errorf("recognizer received %d frames before warm-up", got)
	}

	close(conn.frames)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on normal close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after close")
	}
	close(sess.PartialsCh)
	close(sess.FinalsCh)
	driver.Stop()
}

func TestMediaLoop_BackpressureOverflowsThenDrops(t *testing.T) {
	release := make(chan struct{})
	f := newLoopFixture(t, NewGate(false), nil, 1, 1)
	f.sess.SendAudioDelay = func() { <-release }
	f.driver.SetSubmitDeadline(2 * time.Second)
	f.run(context.Background())

	// One frame occupies the single task slot, one lands in overflow, the
	// rest are shed.
	for i := 0; i < 4; i++ {
		f.conn.frames <- audioFrame([]byte{byte(i)})
	}
	waitFor(t, func() bool { return f.loop.Stats().Dropped == 2 }, "excess frames not dropped")

	close(release)
	waitFor(t, func() bool { return f.loop.Stats().Processed == 2 },
		"buffered frames not drained after capacity freed")
	f.finish(t)
}

func TestMediaLoop_SubmitDeadlineCountsAsDrop(t *testing.T) {
	release := make(chan struct{})
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)
	f.sess.SendAudioDelay = func() { <-release }
	f.driver.SetSubmitDeadline(10 * time.Millisecond)
	f.run(context.Background())

	f.conn.frames <- audioFrame([]byte{1, 2})
	waitFor(t, func() bool { return f.loop.Stats().Dropped == 1 }, "deadline miss not counted")

	close(release)
	f.finish(t)
}

func TestMediaLoop_OutboundWrites(t *testing.T) {
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)

	if err := f.loop.SendFrame(context.Background(), []byte(`{"kind":"AudioData"}`)); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	if err := f.loop.SendStopAudio(context.Background()); err != nil {
		t.Fatalf("SendStopAudio: %v", err)
	}

	if got := f.conn.writeCount(); got != 2 {
		t.Fatalf("writes = %d, want 2", got)
	}
	want := `{"Kind":"StopAudio","AudioData":null,"StopAudio":{}}`
	if string(f.conn.writes[1]) != want {
		t.Errorf("stop frame = %s", f.conn.writes[1])
	}

	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)
	f.driver.Stop()
}

func TestMediaLoop_CloseAbnormal(t *testing.T) {
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)

	if err := f.loop.CloseAbnormal("call setup failed"); err != nil {
		t.Fatalf("CloseAbnormal: %v", err)
	}
	if f.conn.closeCode != websocket.StatusInternalError {
		t.Errorf("close code = %d, want 1011", f.conn.closeCode)
	}
	if f.conn.closeReason != "call setup failed" {
		t.Errorf("close reason = %q", f.conn.closeReason)
	}

	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)
	f.driver.Stop()
}

func TestMediaLoop_ContextCancelEndsRun(t *testing.T) {
	f := newLoopFixture(t, NewGate(false), nil, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	f.run(ctx)

	cancel()
	select {
	case err := <-f.done:
		if err != nil {
			t.Errorf("Run returned %v on cancel, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	close(f.sess.PartialsCh)
	close(f.sess.FinalsCh)
	f.driver.Stop()
}
