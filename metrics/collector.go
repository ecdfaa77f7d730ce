package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/message"
)

// MaxErrors is how many recent errors a Collector keeps.
const MaxErrors = 100

// ErrorRecord is one recorded failure.
type ErrorRecord struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Traffic aggregates messages for one channel or type.
type Traffic struct {
	Sent          int64 `json:"sent"`
	Received      int64 `json:"received"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
}

// Latency summarizes receive latency.
type Latency struct {
	Count   int64   `json:"count"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// AvgMS is the mean latency in milliseconds.
func (l Latency) AvgMS() float64 {
	if l.Count == 0 {
		return 0
	}
	return l.TotalMS / float64(l.Count)
}

// Consensus summarizes resolved rounds.
type Consensus struct {
	Total      int64   `json:"total"`
	Approved   int64   `json:"approved"`
	Rejected   int64   `json:"rejected"`
	TimedOut   int64   `json:"timed_out"`
	TotalVotes int64   `json:"total_votes"`
	AvgVotes   float64 `json:"avg_votes"`
	AvgMS      float64 `json:"avg_duration_ms"`
	totalMS    float64
}

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Started    time.Time          `json:"started"`
	Uptime     float64            `json:"uptime_seconds"`
	Sent       int64              `json:"messages_sent"`
	Received   int64              `json:"messages_received"`
	ErrorCount int64              `json:"errors"`
	ByChannel  map[string]Traffic `json:"by_channel"`
	ByType     map[string]Traffic `json:"by_type"`
	Latency    Latency            `json:"latency"`
	Consensus  Consensus          `json:"consensus"`
	ErrorKinds map[string]int64   `json:"error_kinds"`
	Recent     []ErrorRecord      `json:"recent_errors"`
}

// Collector is an in-memory Sink with JSON and Prometheus text export.
type Collector struct {
	mu         sync.Mutex
	started    time.Time
	sent       int64
	received   int64
	errors     int64
	byChannel  map[string]*Traffic
	byType     map[string]*Traffic
	latency    Latency
	consensus  Consensus
	errorKinds map[string]int64
	recent     []ErrorRecord
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	c := &Collector{}
	c.Reset()
	return c
}

// Reset clears all counters.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Now()
	c.sent, c.received, c.errors = 0, 0, 0
	c.byChannel = make(map[string]*Traffic)
	c.byType = make(map[string]*Traffic)
	c.latency = Latency{}
	c.consensus = Consensus{}
	c.errorKinds = make(map[string]int64)
	c.recent = nil
}

func traffic(m map[string]*Traffic, key string) *Traffic {
	t, ok := m[key]
	if !ok {
		t = &Traffic{}
		m[key] = t
	}
	return t
}

func (c *Collector) MessageSent(channel string, t message.Type, bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	for _, tr := range []*Traffic{traffic(c.byChannel, channel), traffic(c.byType, string(t))} {
		tr.Sent++
		tr.BytesSent += int64(bytes)
	}
}

func (c *Collector) MessageReceived(channel string, t message.Type, bytes int, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	for _, tr := range []*Traffic{traffic(c.byChannel, channel), traffic(c.byType, string(t))} {
		tr.Received++
		tr.BytesReceived += int64(bytes)
	}
	if latency < 0 {
		latency = 0
	}
	ms := float64(latency) / float64(time.Millisecond)
	c.latency.Count++
	c.latency.TotalMS += ms
	if ms > c.latency.MaxMS {
		c.latency.MaxMS = ms
	}
}

func (c *Collector) Error(kind, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
	c.errorKinds[kind]++
	c.recent = append(c.recent, ErrorRecord{Kind: kind, Detail: detail, Timestamp: time.Now().UTC()})
	if len(c.recent) > MaxErrors {
		c.recent = c.recent[len(c.recent)-MaxErrors:]
	}
}

func (c *Collector) ConsensusResolved(approved, timedOut bool, votes int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := &c.consensus
	cs.Total++
	if approved {
		cs.Approved++
	} else {
		cs.Rejected++
	}
	if timedOut {
		cs.TimedOut++
	}
	cs.TotalVotes += int64(votes)
	cs.totalMS += float64(duration) / float64(time.Millisecond)
	cs.AvgVotes = float64(cs.TotalVotes) / float64(cs.Total)
	cs.AvgMS = cs.totalMS / float64(cs.Total)
}

// Snapshot copies the current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Started:    c.started,
		Uptime:     time.Since(c.started).Seconds(),
		Sent:       c.sent,
		Received:   c.received,
		ErrorCount: c.errors,
		ByChannel:  make(map[string]Traffic, len(c.byChannel)),
		ByType:     make(map[string]Traffic, len(c.byType)),
		Latency:    c.latency,
		Consensus:  c.consensus,
		ErrorKinds: make(map[string]int64, len(c.errorKinds)),
		Recent:     append([]ErrorRecord(nil), c.recent...),
	}
	for k, v := range c.byChannel {
		s.ByChannel[k] = *v
	}
	for k, v := range c.byType {
		s.ByType[k] = *v
	}
	for k, v := range c.errorKinds {
		s.ErrorKinds[k] = v
	}
	return s
}

// JSON renders the snapshot as indented JSON.
func (c *Collector) JSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}

// WritePrometheus writes the snapshot in Prometheus text exposition format.
func (c *Collector) WritePrometheus(w io.Writer) error {
	s := c.Snapshot()
	var b strings.Builder

	counter := func(name, help string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	}
	gauge := func(name, help string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n", name, help, name)
	}

	counter("swarmbus_messages_sent_total", "Messages published.")
	fmt.Fprintf(&b, "swarmbus_messages_sent_total %d\n", s.Sent)
	counter("swarmbus_messages_received_total", "Messages delivered to handlers.")
	fmt.Fprintf(&b, "swarmbus_messages_received_total %d\n", s.Received)

	counter("swarmbus_channel_messages_total", "Messages per channel and direction.")
	for _, ch := range sortedKeys(s.ByChannel) {
		t := s.ByChannel[ch]
		fmt.Fprintf(&b, "swarmbus_channel_messages_total{channel=%q,direction=\"sent\"} %d\n", ch, t.Sent)
		fmt.Fprintf(&b, "swarmbus_channel_messages_total{channel=%q,direction=\"received\"} %d\n", ch, t.Received)
	}
	counter("swarmbus_type_messages_total", "Messages per type and direction.")
	for _, typ := range sortedKeys(s.ByType) {
		t := s.ByType[typ]
		fmt.Fprintf(&b, "swarmbus_type_messages_total{type=%q,direction=\"sent\"} %d\n", typ, t.Sent)
		fmt.Fprintf(&b, "swarmbus_type_messages_total{type=%q,direction=\"received\"} %d\n", typ, t.Received)
	}

	gauge("swarmbus_receive_latency_ms_avg", "Mean receive latency in milliseconds.")
	fmt.Fprintf(&b, "swarmbus_receive_latency_ms_avg %.3f\n", s.Latency.AvgMS())
	gauge("swarmbus_receive_latency_ms_max", "Max receive latency in milliseconds.")
	fmt.Fprintf(&b, "swarmbus_receive_latency_ms_max %.3f\n", s.Latency.MaxMS)

	counter("swarmbus_errors_total", "Errors by kind.")
	for _, kind := range sortedKeys(s.ErrorKinds) {
		fmt.Fprintf(&b, "swarmbus_errors_total{kind=%q} %d\n", kind, s.ErrorKinds[kind])
	}

	counter("swarmbus_consensus_total", "Consensus rounds by outcome.")
	fmt.Fprintf(&b, "swarmbus_consensus_total{outcome=\"approved\"} %d\n", s.Consensus.Approved)
	fmt.Fprintf(&b, "swarmbus_consensus_total{outcome=\"rejected\"} %d\n", s.Consensus.Rejected)
	counter("swarmbus_consensus_timeouts_total", "Consensus rounds ended by timeout.")
	fmt.Fprintf(&b, "swarmbus_consensus_timeouts_total %d\n", s.Consensus.TimedOut)
	gauge("swarmbus_consensus_votes_avg", "Mean votes per round.")
	fmt.Fprintf(&b, "swarmbus_consensus_votes_avg %.3f\n", s.Consensus.AvgVotes)

	gauge("swarmbus_uptime_seconds", "Seconds since the collector started.")
	fmt.Fprintf(&b, "swarmbus_uptime_seconds %.0f\n", s.Uptime)

	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
