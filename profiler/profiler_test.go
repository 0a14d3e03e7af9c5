package profiler

import (
	"context"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeepsWindowAndLifetimeStats(t *testing.T) {
	p := New(logs.NewTestingLog(t), Options{MaxSamples: 2})
	p.Record(OpInference, 10*time.Millisecond)
	p.Record(OpInference, 30*time.Millisecond)
	p.Record(OpInference, 50*time.Millisecond)

	stats := p.Snapshot()
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, OpInference, s.Name)
	assert.Equal(t, int64(3), s.Count)
	assert.Equal(t, 40*time.Millisecond, s.Mean, "mean covers the last two samples")
	assert.Equal(t, 10*time.Millisecond, s.Min)
	assert.Equal(t, 50*time.Millisecond, s.Max)
}

func TestStartOperation(t *testing.T) {
	p := New(logs.NewTestingLog(t), Options{})
	done := p.StartOperation(OpRender)
	done()
	done = p.StartOperation(OpFrame)
	done()

	stats := p.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, OpFrame, stats[0].Name)
	assert.Equal(t, OpRender, stats[1].Name)
}

func TestCounters(t *testing.T) {
	p := New(logs.NewTestingLog(t), Options{})
	p.Count("dropped", 2)
	p.Count("dropped", 1)
	assert.Equal(t, int64(3), p.Counter("dropped"))
	assert.Zero(t, p.Counter("missing"))
}

func TestNilProfiler(t *testing.T) {
	var p *Profiler
	p.StartOperation(OpFrame)()
	p.Record(OpFrame, time.Second)
	p.Count("x", 1)
	p.Start(context.Background())
	p.Report()
	p.Stop()
	assert.Nil(t, p.Snapshot())
}

func TestStartStopReports(t *testing.T) {
	p := New(logs.NewTestingLog(t), Options{ReportInterval: 5 * time.Millisecond})
	p.Record(OpInference, time.Millisecond)
	p.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
