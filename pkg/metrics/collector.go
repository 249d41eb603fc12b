package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/mastiff-sec/mastiff/pkg/queue"
	"github.com/mastiff-sec/mastiff/pkg/storage"
	"github.com/mastiff-sec/mastiff/pkg/types"
)

// Collector samples gauges from the store and the queue plane
type Collector struct {
	store  storage.Store
	queue  queue.Queue
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. The queue may be nil when
// the queue plane is not configured; queue depth gauges are skipped then.
func NewCollector(store storage.Store, q queue.Queue) *Collector {
	return &Collector{
		store:  store,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectArtifactMetrics()
	c.collectModuleMetrics()
	c.collectChainMetrics()
	c.collectTaskMetrics()
	c.collectRunMetrics()
}

func (c *Collector) collectArtifactMetrics() {
	artifacts, err := c.store.ListArtifacts()
	if err != nil {
		return
	}

	ArtifactsTotal.Set(float64(len(artifacts)))
}

func (c *Collector) collectModuleMetrics() {
	modules, err := c.store.ListModules()
	if err != nil {
		return
	}

	counts := make(map[string]map[bool]int)
	for _, module := range modules {
		kind := string(module.Kind)
		if counts[kind] == nil {
			counts[kind] = make(map[bool]int)
		}
		counts[kind][module.Healthy]++
	}

	for kind, byHealth := range counts {
		for healthy, count := range byHealth {
			ModulesTotal.WithLabelValues(kind, strconv.FormatBool(healthy)).Set(float64(count))
		}
	}

	if c.queue == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, module := range modules {
		if module.Kind != types.ModuleKindInternal {
			continue
		}
		depth, err := c.queue.QueueDepth(ctx, module.ID)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(module.ID).Set(float64(depth))
	}
}

func (c *Collector) collectChainMetrics() {
	chains, err := c.store.ListChains()
	if err != nil {
		return
	}

	ChainsTotal.Set(float64(len(chains)))
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		return
	}

	taskCounts := make(map[types.TaskState]int)
	for _, task := range tasks {
		taskCounts[task.State]++
	}

	for state, count := range taskCounts {
		TasksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectRunMetrics() {
	runs, err := c.store.ListRuns()
	if err != nil {
		return
	}

	runCounts := make(map[types.RunState]int)
	for _, run := range runs {
		runCounts[run.State]++
	}

	for state, count := range runCounts {
		RunsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}
