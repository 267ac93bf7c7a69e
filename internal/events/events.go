// Package events fans out tabular change events to a configured sink.
// Emission is best-effort and never blocks request handling.
package events

import (
	"time"

	"github.com/lakekeeper/lakekeeper-go/pkg/logger"
)

// Actions carried by TabularEventV1.
const (
	ActionCreate = "create"
	ActionCommit = "commit"
	ActionRename = "rename"
	ActionDrop   = "drop"
	ActionUndrop = "undrop"
)

// TabularEventV1 describes one tabular change.
type TabularEventV1 struct {
	Action    string      `json:"action"`
	Warehouse string      `json:"warehouse"`
	Namespace []string    `json:"namespace"`
	Name      string      `json:"name"`
	Actor     string      `json:"actor"`
	At        time.Time   `json:"at"`
	Before    interface{} `json:"before,omitempty"`
	After     interface{} `json:"after,omitempty"`
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(ev TabularEventV1)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(TabularEventV1) {}

// Log writes events to the structured log.
type Log struct {
	Logger *logger.Logger
}

func (l Log) Emit(ev TabularEventV1) {
	l.Logger.WithFields(map[string]interface{}{
		"action":    ev.Action,
		"warehouse": ev.Warehouse,
		"namespace": ev.Namespace,
		"name":      ev.Name,
		"actor":     ev.Actor,
	}).Info("tabular change")
}

// Async wraps a sink with a bounded queue so emission never blocks the
// request path; overflow drops the event with a log line.
type Async struct {
	logger *logger.Logger
	ch     chan TabularEventV1
}

// NewAsync starts the drain goroutine.
func NewAsync(inner Sink, log *logger.Logger) *Async {
	a := &Async{logger: log, ch: make(chan TabularEventV1, 1024)}
	go func() {
		for ev := range a.ch {
			inner.Emit(ev)
		}
	}()
	return a
}

func (a *Async) Emit(ev TabularEventV1) {
	select {
	case a.ch <- ev:
	default:
		a.logger.Warnf("Event queue full, dropping %s event for %s", ev.Action, ev.Name)
	}
}
