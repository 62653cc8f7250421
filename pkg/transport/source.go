// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package transport delivers named push events from somewhere outside the
// engine. Delivery is at most once, unordered and possibly duplicated; the
// engine copes with all three.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Event is one named push event with its raw JSON payload.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, encoding payload as JSON.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	return Event{Name: name, Payload: data}, nil
}

// Source yields events one at a time. Next blocks until an event arrives,
// ctx ends, or the source is exhausted, in which case it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// ChanSource is an in-process source fed by Publish.
type ChanSource struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Publish queues ev, blocking while the buffer is full.
func (s *ChanSource) Publish(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit encodes payload and publishes it under name.
func (s *ChanSource) Emit(ctx context.Context, name string, payload any) error {
	ev, err := NewEvent(name, payload)
	if err != nil {
		return err
	}
	return s.Publish(ctx, ev)
}

func (s *ChanSource) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-s.ch:
		return ev, nil
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		// Hand out what was queued before the close.
		select {
		case ev := <-s.ch:
			return ev, nil
		default:
			return Event{}, io.EOF
		}
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close ends the source. Events already queued are still handed out.
func (s *ChanSource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
