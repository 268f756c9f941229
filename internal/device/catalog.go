package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const defaultFetchConcurrency = 8

// Logger is the logging interface used by the catalog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fetcher loads a single device record from the inventory service.
type Fetcher interface {
	GetDevice(ctx context.Context, mac string) (*Record, error)
}

// Catalog is the read-only set of devices available for leasing.
//
// The device list is fixed at construction; Refresh re-fetches each record and
// atomically publishes a new snapshot. Records in a published snapshot are never
// modified. All methods are safe for concurrent use.
type Catalog struct {
	fetcher     Fetcher
	macs        []string
	concurrency int
	logger      Logger

	mu          sync.RWMutex
	records     map[string]*Record
	order       []string
	refreshedAt time.Time
}

// NewCatalog creates a catalog for the given MAC addresses. Invalid or
// duplicate addresses are dropped; the remaining order is the selection order.
func NewCatalog(fetcher Fetcher, macs []string) *Catalog {
	seen := make(map[string]struct{}, len(macs))
	ordered := make([]string, 0, len(macs))
	for _, m := range macs {
		n, err := NormaliseMAC(m)
		if err != nil {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		ordered = append(ordered, n)
	}

	return &Catalog{
		fetcher:     fetcher,
		macs:        ordered,
		concurrency: defaultFetchConcurrency,
		logger:      noopLogger{},
		records:     make(map[string]*Record),
	}
}

// SetLogger sets the logger for the catalog.
func (c *Catalog) SetLogger(logger Logger) {
	c.logger = logger
}

// SetConcurrency bounds the number of parallel inventory fetches during Refresh.
func (c *Catalog) SetConcurrency(n int) {
	if n > 0 {
		c.concurrency = n
	}
}

// Refresh fetches every configured device and publishes a new snapshot.
//
// A device the inventory reports as unknown is dropped. A device that fails
// for any other reason keeps its previous record, if there is one, so a flaky
// inventory does not shrink the pool. Refresh returns an error only when no
// device could be loaded at all.
func (c *Catalog) Refresh(ctx context.Context) error {
	fetched := make([]*Record, len(c.macs))
	failed := make([]error, len(c.macs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, mac := range c.macs {
		g.Go(func() error {
			rec, err := c.fetcher.GetDevice(gctx, mac)
			if err == nil {
				err = ValidateRecord(rec)
			}
			if err != nil {
				failed[i] = err
				return nil
			}
			cp := rec.DeepCopy()
			cp.MAC = mac
			cp.Groups = normaliseTags(cp.Groups)
			if cp.FetchedAt.IsZero() {
				cp.FetchedAt = time.Now().UTC()
			}
			fetched[i] = cp
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers record failures per device and never return errors

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("refreshing catalog: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*Record, len(c.macs))
	order := make([]string, 0, len(c.macs))
	var lastErr error
	dropped, stale := 0, 0
	for i, mac := range c.macs {
		rec := fetched[i]
		if rec == nil {
			lastErr = failed[i]
			if errors.Is(failed[i], ErrDeviceNotFound) {
				dropped++
				c.logger.Warn("device unknown to inventory, dropped from catalog", "mac", mac)
				continue
			}
			prev, ok := c.records[mac]
			if !ok {
				c.logger.Warn("device fetch failed", "mac", mac, "error", failed[i])
				continue
			}
			stale++
			c.logger.Warn("device fetch failed, keeping previous record", "mac", mac, "error", failed[i])
			rec = prev
		}
		next[mac] = rec
		order = append(order, mac)
	}

	if len(order) == 0 && len(c.macs) > 0 {
		return fmt.Errorf("refreshing catalog: no device could be loaded: %w", lastErr)
	}

	c.records = next
	c.order = order
	c.refreshedAt = time.Now().UTC()

	c.logger.Info("device catalog refreshed", "count", len(order), "dropped", dropped, "stale", stale)
	return nil
}

// Load publishes records directly, bypassing the inventory. Records are copied.
func (c *Catalog) Load(records []*Record) error {
	next := make(map[string]*Record, len(records))
	order := make([]string, 0, len(records))
	for _, r := range records {
		if err := ValidateRecord(r); err != nil {
			return err
		}
		cp := r.DeepCopy()
		cp.MAC, _ = NormaliseMAC(r.MAC) //nolint:errcheck // validated above
		cp.Groups = normaliseTags(cp.Groups)
		if _, dup := next[cp.MAC]; dup {
			continue
		}
		next[cp.MAC] = cp
		order = append(order, cp.MAC)
	}

	c.mu.Lock()
	c.records = next
	c.order = order
	c.refreshedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current records in catalog order. The slice is owned
// by the caller; the records are shared and must not be modified.
func (c *Catalog) Snapshot() []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Record, 0, len(c.order))
	for _, mac := range c.order {
		out = append(out, c.records[mac])
	}
	return out
}

// Get returns the current record for mac.
func (c *Catalog) Get(mac string) (*Record, error) {
	n, err := NormaliseMAC(mac)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[n]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return rec, nil
}

// Len returns the number of devices in the current snapshot.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// RefreshedAt returns when the current snapshot was published.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// StartRefresher schedules Refresh using a cron expression ("@every 5m",
// "*/10 * * * *"). Overlapping runs are skipped. The returned function stops
// the schedule and waits for a running refresh to finish.
func (c *Catalog) StartRefresher(ctx context.Context, schedule string, timeout time.Duration) (stop func(), err error) {
	sched := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	_, err = sched.AddFunc(schedule, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := c.Refresh(refreshCtx); err != nil {
			c.logger.Error("scheduled catalog refresh failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing refresh schedule %q: %w", schedule, err)
	}

	sched.Start()
	return func() {
		<-sched.Stop().Done()
	}, nil
}
