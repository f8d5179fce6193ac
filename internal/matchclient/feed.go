package matchclient

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/fleetbattle/internal/obslog"
	"github.com/park285/fleetbattle/pkg/matchdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
	FeedFailed       FeedState = "failed"
)

type EventCallback func(ev matchdto.Event)

type StateCallback func(state FeedState)

type eventEntry struct {
	id int
	cb EventCallback
}

type stateEntry struct {
	id int
	cb StateCallback
}

// Feed listens for transport events on a websocket and fans them out to
// registered callbacks, reconnecting with backoff when the link drops.
type Feed struct {
	url     string
	headers func() map[string]string

	mu    sync.Mutex
	conn  *websocket.Conn
	state FeedState

	cbM      sync.RWMutex
	events   []eventEntry
	states   []stateEntry
	nextCbID int

	maxReconnect int
	pingInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
	log        *zap.Logger
}

func NewFeed(wsURL string, maxReconnect int, headers func() map[string]string) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		url:          wsURL,
		headers:      headers,
		state:        FeedDisconnected,
		maxReconnect: maxReconnect,
		pingInterval: 30 * time.Second,
		stopCh:       make(chan struct{}),
		rootCtx:      ctx,
		rootCancel:   cancel,
		log:          obslog.Named("feed"),
	}
}

func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) Connect(ctx context.Context) error {
	switch f.State() {
	case FeedConnected, FeedConnecting:
		return nil
	}
	f.setState(FeedConnecting)
	if err := f.dial(ctx); err != nil {
		f.setState(FeedFailed)
		f.scheduleReconnect()
		return err
	}
	return nil
}

func (f *Feed) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      f.buildHeaders(),
	})
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.setState(FeedConnected)

	f.wg.Add(2)
	go f.listen(conn)
	go f.pingLoop(conn)
	return nil
}

func (f *Feed) listen(conn *websocket.Conn) {
	defer f.wg.Done()
	for {
		var ev matchdto.Event
		if err := wsjson.Read(f.rootCtx, conn, &ev); err != nil {
			if f.isStopping() {
				return
			}
			f.log.Warn("feed_read_failed", zap.Error(err))
			f.drop(conn, "reconnect")
			f.scheduleReconnect()
			return
		}
		f.cbM.RLock()
		callbacks := make([]eventEntry, len(f.events))
		copy(callbacks, f.events)
		f.cbM.RUnlock()
		for _, e := range callbacks {
			e.cb(ev)
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	t := time.NewTicker(f.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-f.rootCtx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(f.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// Closing the conn makes listen fail and reconnect.
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// drop clears conn if it is still the active one.
func (f *Feed) drop(conn *websocket.Conn, reason string) {
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	f.setState(FeedDisconnected)
}

func (f *Feed) scheduleReconnect() {
	if f.maxReconnect <= 0 || f.isStopping() {
		return
	}
	f.setState(FeedReconnecting)
	go func() {
		for attempt := 1; attempt <= f.maxReconnect; attempt++ {
			select {
			case <-f.stopCh:
				return
			case <-time.After(reconnectDelay(attempt)):
			}
			if err := f.dial(f.rootCtx); err != nil {
				f.log.Debug("feed_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			f.log.Info("feed_reconnected", zap.Int("attempt", attempt))
			return
		}
		f.setState(FeedFailed)
	}()
}

func reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func (f *Feed) OnEvent(cb EventCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextCbID++
	f.events = append(f.events, eventEntry{id: f.nextCbID, cb: cb})
	return f.nextCbID
}

func (f *Feed) RemoveEventCallback(id int) {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	for i, e := range f.events {
		if e.id == id {
			f.events = append(f.events[:i:i], f.events[i+1:]...)
			return
		}
	}
}

func (f *Feed) OnStateChange(cb StateCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextCbID++
	f.states = append(f.states, stateEntry{id: f.nextCbID, cb: cb})
	return f.nextCbID
}

func (f *Feed) RemoveStateCallback(id int) {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	for i, e := range f.states {
		if e.id == id {
			f.states = append(f.states[:i:i], f.states[i+1:]...)
			return
		}
	}
}

func (f *Feed) setState(state FeedState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.cbM.RLock()
	callbacks := make([]stateEntry, len(f.states))
	copy(callbacks, f.states)
	f.cbM.RUnlock()
	for _, e := range callbacks {
		e.cb(state)
	}
}

// Close stops reconnecting, closes the link and waits for the listener.
func (f *Feed) Close(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	f.rootCancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (f *Feed) isStopping() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Feed) buildHeaders() http.Header {
	hdr := http.Header{}
	if f.headers == nil {
		return hdr
	}
	for k, v := range f.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
