// Package realtime forwards case and job events to connected observers.
// Delivery is best effort: nothing is replayed, so a client that reconnects
// must re-fetch state.
package realtime

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
)

const (
	EventCaseUpdate = "caseUpdate"
	EventJobUpdate  = "jobUpdate"
)

// Message is the wire shape sent to observers.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// DeletedCase is the payload of a caseUpdate for a removed case.
type DeletedCase struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// Filter selects what a connection sees. An empty CaseID sees everything.
type Filter struct {
	CaseID string
}

type Hub struct {
	cases  *bus.Bus[cases.Event]
	jobs   *bus.Bus[jobs.Snapshot]
	logger *slog.Logger
}

func NewHub(caseEvents *bus.Bus[cases.Event], jobEvents *bus.Bus[jobs.Snapshot], logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{cases: caseEvents, jobs: jobEvents, logger: logger}
}

// Conn is one observer's subscription to both buses.
type Conn struct {
	filter Filter
	out    chan Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	unsub  func()
}

// Connect subscribes to both buses. The caller must Close the connection.
func (h *Hub) Connect(filter Filter) *Conn {
	caseID, caseCh := h.cases.Subscribe()
	jobID, jobCh := h.jobs.Subscribe()

	c := &Conn{
		filter: filter,
		out:    make(chan Message, 16),
		done:   make(chan struct{}),
	}
	c.unsub = func() {
		h.cases.Unsubscribe(caseID)
		h.jobs.Unsubscribe(jobID)
	}
	h.logger.Debug("realtime connection opened", "case_id", filter.CaseID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.out)
		for caseCh != nil || jobCh != nil {
			var (
				msg Message
				ok  bool
			)
			select {
			case ev, open := <-caseCh:
				if !open {
					caseCh = nil
					continue
				}
				msg, ok = c.caseMessage(ev)
			case snap, open := <-jobCh:
				if !open {
					jobCh = nil
					continue
				}
				msg, ok = c.jobMessage(snap)
			case <-c.done:
				return
			}
			if !ok {
				continue
			}
			select {
			case c.out <- msg:
			case <-c.done:
				return
			}
		}
	}()
	return c
}

// Messages yields filtered messages until the connection is closed.
func (c *Conn) Messages() <-chan Message {
	return c.out
}

// Close unsubscribes from both buses. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.unsub()
		close(c.done)
		c.wg.Wait()
	})
}

func (c *Conn) caseMessage(ev cases.Event) (Message, bool) {
	if c.filter.CaseID != "" && ev.ID != c.filter.CaseID {
		return Message{}, false
	}
	if ev.Type == cases.EventDeleted {
		return Message{Event: EventCaseUpdate, Data: DeletedCase{ID: ev.ID, Deleted: true}}, true
	}
	return Message{Event: EventCaseUpdate, Data: ev.Case}, true
}

// jobMessage forwards the job list restricted to jobs touching the filtered case.
func (c *Conn) jobMessage(snap jobs.Snapshot) (Message, bool) {
	if c.filter.CaseID == "" {
		return Message{Event: EventJobUpdate, Data: snap}, true
	}
	out := make([]entity.ActiveJob, 0, len(snap))
	for _, j := range snap {
		if j.Key == c.filter.CaseID || strings.HasPrefix(j.Key, c.filter.CaseID+"/") {
			out = append(out, j)
		}
	}
	return Message{Event: EventJobUpdate, Data: out}, true
}
