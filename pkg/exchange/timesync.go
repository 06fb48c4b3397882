package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeSync tracks the offset between local and exchange server clocks so
// signed requests carry timestamps inside the server's recvWindow.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	log           *logrus.Entry

	mu           sync.RWMutex
	offset       int64 // ms, server - local
	lastSync     time.Time
	syncInterval time.Duration
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *logrus.Entry) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		log:           log,
		syncInterval:  30 * time.Minute,
	}
}

// Start performs an initial sync and keeps re-syncing until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil && ts.log != nil {
		ts.log.Warnf("initial time sync failed: %v", err)
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil && ts.log != nil {
					ts.log.Warnf("time sync failed: %v", err)
				}
			}
		}
	}()
}

// Sync measures the server offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	latency := (localAfter - localBefore) / 2
	local := localBefore + latency

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	if ts.log != nil {
		ts.log.Debugf("time sync: offset=%dms", serverTime-local)
	}
	return nil
}

// Now returns the current time in ms adjusted for the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
