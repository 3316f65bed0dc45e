package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Metric is a single counter or gauge with its metadata
type Metric struct {
	Name        string            `json:"name"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	LastUpdate  time.Time         `json:"last_update"`
}

// Registry manages all metrics in memory
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	gauges    map[string]*Metric
	startTime time.Time
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		counters:  make(map[string]*Metric),
		gauges:    make(map[string]*Metric),
		startTime: time.Now(),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += fmt.Sprintf("|%s=%s", k, labels[k])
	}
	return key
}

// IncrCounter increments a counter by delta
func (r *Registry) IncrCounter(name string, delta float64, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	m, ok := r.counters[key]
	if !ok {
		m = &Metric{Name: name, Labels: labels, Description: description}
		r.counters[key] = m
	}
	m.Value += delta
	m.LastUpdate = time.Now()
}

// SetGauge sets a gauge to value
func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := metricKey(name, labels)
	m, ok := r.gauges[key]
	if !ok {
		m = &Metric{Name: name, Labels: labels, Description: description}
		r.gauges[key] = m
	}
	m.Value = value
	m.LastUpdate = time.Now()
}

// Snapshot returns a point-in-time copy of all metrics
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make([]Metric, 0, len(r.counters))
	for _, m := range r.counters {
		counters = append(counters, *m)
	}
	gauges := make([]Metric, 0, len(r.gauges))
	for _, m := range r.gauges {
		gauges = append(gauges, *m)
	}
	sort.Slice(counters, func(i, j int) bool { return metricKey(counters[i].Name, counters[i].Labels) < metricKey(counters[j].Name, counters[j].Labels) })
	sort.Slice(gauges, func(i, j int) bool { return metricKey(gauges[i].Name, gauges[i].Labels) < metricKey(gauges[j].Name, gauges[j].Labels) })

	return map[string]interface{}{
		"uptime_seconds": time.Since(r.startTime).Seconds(),
		"counters":       counters,
		"gauges":         gauges,
	}
}

var defaultRegistry = NewRegistry()

// IncrCounter increments a counter on the default registry
func IncrCounter(name string, delta float64, labels map[string]string, description string) {
	defaultRegistry.IncrCounter(name, delta, labels, description)
}

// SetGauge sets a gauge on the default registry
func SetGauge(name string, value float64, labels map[string]string, description string) {
	defaultRegistry.SetGauge(name, value, labels, description)
}

// Snapshot returns all metrics from the default registry
func Snapshot() map[string]interface{} {
	return defaultRegistry.Snapshot()
}
