// Package profiler - Per-operation timing and runtime statistics for the frame loop.
package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Operation names recorded by the session loop.
const (
	OpFrame       = "frame"
	OpInference   = "inference"
	OpSelect      = "select"
	OpRecommend   = "recommend"
	OpReconstruct = "reconstruct"
	OpRender      = "render"
)

// Options configures a Profiler.
type Options struct {
	// ReportInterval is how often a report is logged. 0 disables periodic reports.
	ReportInterval time.Duration
	// MaxSamples bounds the samples kept per operation (default: 600).
	MaxSamples int
}

// Profiler tracks operation timings and counters, and logs periodic reports.
//
// It is safe for concurrent use. A nil *Profiler is valid and records nothing.
type Profiler struct {
	log        logs.Log
	interval   time.Duration
	maxSamples int

	mu         sync.Mutex
	startTime  time.Time
	operations map[string]*tracker
	counters   map[string]int64
	lastGC     uint32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tracker keeps a bounded window of durations plus lifetime totals.
type tracker struct {
	window []time.Duration
	sum    time.Duration
	min    time.Duration
	max    time.Duration
	count  int64
}

// Stats is a snapshot of one operation.
type Stats struct {
	Name  string
	Count int64
	Mean  time.Duration
	Min   time.Duration
	Max   time.Duration
}

// New creates a profiler that reports to log.
//
// Arguments:
//   - log: The logger reports are written to.
//   - opts: Reporting options.
//
// Returns:
//   - *Profiler: A profiler that is not yet reporting. Call Start to begin.
func New(log logs.Log, opts Options) *Profiler {
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	return &Profiler{
		log:        log,
		interval:   opts.ReportInterval,
		maxSamples: opts.MaxSamples,
		startTime:  time.Now(),
		operations: make(map[string]*tracker),
		counters:   make(map[string]int64),
	}
}

// Start begins periodic reporting until ctx is done or Stop is called.
func (p *Profiler) Start(ctx context.Context) {
	if p == nil || p.interval <= 0 {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.startTime = time.Now()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop ends periodic reporting and waits for the reporter to exit.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		p.wg.Wait()
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The operation name.
//
// Returns:
//   - func(): Call it when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration sample for an operation.
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.operations[name]
	if !ok {
		t = &tracker{min: d, max: d}
		p.operations[name] = t
	}
	t.window = append(t.window, d)
	t.sum += d
	if len(t.window) > p.maxSamples {
		t.sum -= t.window[0]
		t.window = t.window[1:]
	}
	t.count++
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
}

// Count increments a named counter.
func (p *Profiler) Count(name string, delta int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.counters[name] += delta
	p.mu.Unlock()
}

// Counter returns the current value of a named counter.
func (p *Profiler) Counter(name string) int64 {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters[name]
}

// Snapshot returns the statistics of every operation, sorted by name. Mean is over the retained
// window, Min and Max over the lifetime.
func (p *Profiler) Snapshot() []Stats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.operations))
	for name, t := range p.operations {
		s := Stats{Name: name, Count: t.count, Min: t.min, Max: t.max}
		if n := len(t.window); n > 0 {
			s.Mean = t.sum / time.Duration(n)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs operation timings, counters and memory usage.
func (p *Profiler) Report() {
	if p == nil || p.log == nil {
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	p.mu.Lock()
	uptime := time.Since(p.startTime).Truncate(time.Millisecond)
	newGC := mem.NumGC - p.lastGC
	p.lastGC = mem.NumGC
	names := make([]string, 0, len(p.counters))
	for name := range p.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%d", name, p.counters[name])
	}
	p.mu.Unlock()

	p.log.Infof("Profiler: uptime %v, goroutines %d, heap %s, gc +%d%s",
		uptime, runtime.NumGoroutine(), formatBytes(mem.HeapAlloc), newGC, b.String())
	for _, s := range p.Snapshot() {
		p.log.Infof("  %s: avg=%v min=%v max=%v count=%d", s.Name,
			s.Mean.Truncate(time.Microsecond), s.Min.Truncate(time.Microsecond),
			s.Max.Truncate(time.Microsecond), s.Count)
	}
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
