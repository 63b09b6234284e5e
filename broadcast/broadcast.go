// Copyright 2026 Grist Labs, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package broadcast fans document messages out to subscribed clients. Each
// subscriber gets its own copy of a message, built per subscriber so that
// access filtering can rewrite it; a build failure turns into an error
// message for that one subscriber without disturbing the others.
package broadcast

import (
	"context"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gristlabs/go-granular-access/doc"
)

// Message is one unit of traffic to a subscriber.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DocError is the payload of an error message delivered in place of a
// document update the subscriber could not be given.
type DocError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ActionGroup describes one committed bundle as shown to clients.
type ActionGroup struct {
	ActionNum     int64       `json:"actionNum"`
	ActionHash    string      `json:"actionHash"`
	Time          int64       `json:"time"`
	User          string      `json:"user"`
	Desc          string      `json:"desc,omitempty"`
	ActionSummary interface{} `json:"actionSummary,omitempty"`
	Internal      bool        `json:"internal"`
}

// Client delivers messages to one subscriber. Implementations are owned by
// the host; Send may block on the transport.
type Client interface {
	Send(ctx context.Context, msg *Message) error
}

// CodedError is implemented by errors that carry a wire code. Build
// failures implementing it are forwarded to the subscriber with their code;
// other failures are forwarded as plain errors.
type CodedError interface {
	error
	ErrorCode() string
}

type subscriber struct {
	id      uuid.UUID
	session *doc.Session
	client  Client
}

// DocClients is the set of subscribers of one document.
type DocClients struct {
	log *logrus.Entry

	mu   sync.RWMutex
	subs map[uuid.UUID]*subscriber
}

// NewDocClients returns an empty subscriber registry. The log entry may be
// nil, in which case delivery problems are dropped silently.
func NewDocClients(log *logrus.Entry) *DocClients {
	return &DocClients{
		log:  log,
		subs: map[uuid.UUID]*subscriber{},
	}
}

// Subscribe registers a client for a session and returns the subscription
// id used to drop it later.
func (d *DocClients) Subscribe(sess *doc.Session, client Client) uuid.UUID {
	id := uuid.NewV4()
	d.mu.Lock()
	d.subs[id] = &subscriber{id: id, session: sess, client: client}
	d.mu.Unlock()
	return id
}

// Unsubscribe drops one subscription. Unknown ids are ignored.
func (d *DocClients) Unsubscribe(id uuid.UUID) {
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()
}

// Count returns the number of active subscriptions.
func (d *DocClients) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Sessions returns the sessions of all active subscriptions.
func (d *DocClients) Sessions() []*doc.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*doc.Session, 0, len(d.subs))
	for _, sub := range d.subs {
		out = append(out, sub.session)
	}
	return out
}

// Broadcast builds and delivers one message per subscriber, in parallel.
// A build error is delivered to that subscriber as a "docError" message and
// does not fail the broadcast; transport errors do.
func (d *DocClients) Broadcast(ctx context.Context, build func(sess *doc.Session) (*Message, error)) error {
	d.mu.RLock()
	subs := make([]*subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.RUnlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		sub := sub
		eg.Go(func() error {
			msg, err := build(sub.session)
			if err != nil {
				msg = &Message{Type: "docError", Data: errorPayload(err)}
				if d.log != nil {
					d.log.WithFields(logrus.Fields{
						"session": sub.session.ID,
						"err":     err,
					}).Warn("replacing doc update with error message")
				}
			}
			if msg == nil {
				return nil
			}
			return sub.client.Send(egCtx, msg)
		})
	}
	return eg.Wait()
}

func errorPayload(err error) DocError {
	payload := DocError{Message: err.Error()}
	if coded, ok := err.(CodedError); ok {
		payload.Code = coded.ErrorCode()
	}
	return payload
}
