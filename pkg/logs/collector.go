// Package logs attaches to container log streams, demultiplexes the engine's
// framed output into classified entries, keeps a bounded per-container ring
// buffer, and fans entries out to subscribers without ever blocking on them.
package logs

import (
	"context"
	"io"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/omayhemo/debughost/pkg/config"
	"github.com/omayhemo/debughost/pkg/engine"
	"github.com/omayhemo/debughost/pkg/metrics"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// StartOptions tune one attach.
type StartOptions struct {
	// Tail overrides the configured number of historical lines requested
	// from the engine. Empty means the configured default.
	Tail string
}

// stream is the per-container state that outlives the attach loop: the ring
// buffer keeps history after collection stops, and subscribers survive a
// restart of the same container.
type stream struct {
	buffer *ringBuffer

	subsMutex deadlock.Mutex
	subs      map[*Subscription]struct{}
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Collector owns every container's log pipeline.
type Collector struct {
	Log    *logrus.Entry
	Engine engine.ContainerEngine

	bufferSize int
	queueSize  int
	tail       string
	clock      clockwork.Clock

	mutex   deadlock.Mutex
	streams map[string]*stream
	workers map[string]*worker
}

// NewCollector returns a collector using the configured buffer bounds.
func NewCollector(log *logrus.Entry, containerEngine engine.ContainerEngine, logsConfig config.LogsConfig, clock clockwork.Clock) *Collector {
	return &Collector{
		Log:        log,
		Engine:     containerEngine,
		bufferSize: logsConfig.BufferSize,
		queueSize:  logsConfig.SubscriptionQueueSize,
		tail:       logsConfig.Tail,
		clock:      clock,
		streams:    map[string]*stream{},
		workers:    map[string]*worker{},
	}
}

// Start attaches to the container's combined log stream and collects until
// Stop or the stream ends. Idempotent for a container already being
// collected.
func (c *Collector) Start(containerName string, opts StartOptions) error {
	c.mutex.Lock()
	if _, running := c.workers[containerName]; running {
		c.mutex.Unlock()
		return nil
	}

	tail := opts.Tail
	if tail == "" {
		tail = c.tail
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	c.workers[containerName] = w
	s := c.streamLocked(containerName)
	c.mutex.Unlock()

	reader, err := c.Engine.AttachLogs(ctx, containerName, engine.LogsOptions{
		Follow:     true,
		Timestamps: true,
		Tail:       tail,
	})
	if err != nil {
		cancel()
		close(w.done)
		c.removeWorker(containerName, w)
		return err
	}

	go c.collect(ctx, containerName, s, w, reader)

	c.Log.WithField("container", containerName).Info("log collection started")
	return nil
}

// Stop detaches from the container. The buffer and any subscribers remain.
func (c *Collector) Stop(containerName string) {
	c.mutex.Lock()
	w, ok := c.workers[containerName]
	c.mutex.Unlock()
	if !ok {
		return
	}

	w.cancel()
	<-w.done
	c.Log.WithField("container", containerName).Info("log collection stopped")
}

// Buffered returns a copy of the buffered entries matching the filter.
func (c *Collector) Buffered(containerName string, filter Filter) []Entry {
	c.mutex.Lock()
	s, ok := c.streams[containerName]
	c.mutex.Unlock()
	if !ok {
		return nil
	}
	return s.buffer.filtered(filter)
}

// Subscribe returns a live feed of new entries for the container. The caller
// must Close it when done.
func (c *Collector) Subscribe(containerName string) *Subscription {
	c.mutex.Lock()
	s := c.streamLocked(containerName)
	c.mutex.Unlock()

	sub := newSubscription(c.queueSize, func(closing *Subscription) {
		s.subsMutex.Lock()
		delete(s.subs, closing)
		s.subsMutex.Unlock()
	})

	s.subsMutex.Lock()
	s.subs[sub] = struct{}{}
	s.subsMutex.Unlock()

	return sub
}

// Clear empties the container's ring buffer.
func (c *Collector) Clear(containerName string) {
	c.mutex.Lock()
	s, ok := c.streams[containerName]
	c.mutex.Unlock()
	if ok {
		s.buffer.clear()
	}
}

// Close stops every active collection.
func (c *Collector) Close() {
	c.mutex.Lock()
	names := make([]string, 0, len(c.workers))
	for name := range c.workers {
		names = append(names, name)
	}
	c.mutex.Unlock()

	for _, name := range names {
		c.Stop(name)
	}
}

func (c *Collector) streamLocked(containerName string) *stream {
	s, ok := c.streams[containerName]
	if !ok {
		s = &stream{buffer: newRingBuffer(c.bufferSize), subs: map[*Subscription]struct{}{}}
		c.streams[containerName] = s
	}
	return s
}

func (c *Collector) removeWorker(containerName string, w *worker) {
	c.mutex.Lock()
	if c.workers[containerName] == w {
		delete(c.workers, containerName)
	}
	c.mutex.Unlock()
}

func (c *Collector) collect(ctx context.Context, containerName string, s *stream, w *worker, reader io.ReadCloser) {
	defer close(w.done)
	defer c.removeWorker(containerName, w)

	// unblock the read when the context is cancelled
	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	d := &demuxer{}
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, f := range d.feed(buf[:n]) {
				c.emit(containerName, s, f)
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				c.Log.WithError(err).WithField("container", containerName).Warn("log stream ended")
			}
			for _, f := range d.flush() {
				c.emit(containerName, s, f)
			}
			return
		}
	}
}

// emit splits a frame's payload into lines and publishes each one. The entry
// always lands in the ring buffer regardless of subscription state.
func (c *Collector) emit(containerName string, s *stream, f frame) {
	for _, line := range strings.Split(string(f.payload), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		entry := newEntry(containerName, f.stream, line, c.clock.Now)
		s.buffer.append(entry)
		metrics.LogsCollected.WithLabelValues(containerName).Inc()

		s.subsMutex.Lock()
		for sub := range s.subs {
			if sub.publish(entry) {
				metrics.LogsDropped.WithLabelValues(containerName).Inc()
			}
		}
		s.subsMutex.Unlock()
	}
}
