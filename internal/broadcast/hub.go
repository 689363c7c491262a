package broadcast

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

var _ Broadcaster = (*Hub)(nil)

// Hub is the process-local Broadcaster. Delivery to a sink is synchronous
// and a failing sink never stops delivery to the others.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]Sink     // channel -> sinkID -> sink
	bySink   map[string]map[string]struct{} // sinkID -> channels
	log      zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[string]Sink),
		bySink:   make(map[string]map[string]struct{}),
		log:      logger.With().Str("component", "broadcast").Logger(),
	}
}

func (h *Hub) Publish(_ context.Context, channel string, ev Event) error {
	h.deliver(channel, ev)
	return nil
}

func (h *Hub) Subscribe(channel string, s Sink) error {
	h.add(channel, s)
	return nil
}

func (h *Hub) Unsubscribe(channel, sinkID string) error {
	h.remove(channel, sinkID)
	return nil
}

func (h *Hub) UnsubscribeAll(sinkID string) error {
	h.removeAll(sinkID)
	return nil
}

// Subscribers returns the number of local sinks on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// add reports whether s is the channel's first sink.
func (h *Hub) add(channel string, s Sink) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sinks, ok := h.channels[channel]
	if !ok {
		sinks = make(map[string]Sink)
		h.channels[channel] = sinks
	}
	first = len(sinks) == 0
	sinks[s.ID()] = s

	chans, ok := h.bySink[s.ID()]
	if !ok {
		chans = make(map[string]struct{})
		h.bySink[s.ID()] = chans
	}
	chans[channel] = struct{}{}
	return first
}

// remove reports whether the channel has no sinks left after this call
// removed one.
func (h *Hub) remove(channel, sinkID string) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(channel, sinkID)
}

func (h *Hub) removeLocked(channel, sinkID string) bool {
	sinks, ok := h.channels[channel]
	if !ok {
		return false
	}
	if _, ok := sinks[sinkID]; !ok {
		return false
	}
	delete(sinks, sinkID)
	if chans := h.bySink[sinkID]; chans != nil {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(h.bySink, sinkID)
		}
	}
	if len(sinks) == 0 {
		delete(h.channels, channel)
		return true
	}
	return false
}

// removeAll returns the channels left empty.
func (h *Hub) removeAll(sinkID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var emptied []string
	for channel := range h.bySink[sinkID] {
		if h.removeLocked(channel, sinkID) {
			emptied = append(emptied, channel)
		}
	}
	return emptied
}

func (h *Hub) deliver(channel string, ev Event) {
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.channels[channel]))
	for id, s := range h.channels[channel] {
		if id == ev.ExceptConn {
			continue
		}
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Send(ev.Frame); err != nil {
			h.log.Warn().Err(err).
				Str("channel", channel).
				Str("conn_id", s.ID()).
				Str("event", ev.Type).
				Msg("deliver event")
		}
	}
}
