// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine wires the sync components into a Session, which owns the
// services shared by every open conversation, and Conversation, which owns
// the per-view state.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatsync/pkg/api"
	"github.com/lrhodin/chatsync/pkg/config"
	"github.com/lrhodin/chatsync/pkg/delivery"
	"github.com/lrhodin/chatsync/pkg/history"
	"github.com/lrhodin/chatsync/pkg/mediacache"
	"github.com/lrhodin/chatsync/pkg/reactions"
)

// Server is every request/response operation a conversation consumes.
// *api.Client implements it.
type Server interface {
	history.Fetcher
	delivery.MarkReader
	reactions.API
}

var _ Server = (*api.Client)(nil)

type Option func(*Session)

// WithClock overrides time.Now for every conversation the session opens.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHTTPClient sets the client media downloads go through.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) { s.httpClient = client }
}

type Session struct {
	cfg        *config.Config
	server     Server
	log        zerolog.Logger
	now        func() time.Time
	httpClient *http.Client

	Media    *mediacache.Media
	Registry *prometheus.Registry
	// CacheErr is the storage error that forced the media cache onto the
	// memory backend, if any.
	CacheErr error

	lock          sync.Mutex
	conversations map[string]*Conversation
	closed        bool
}

// Connect builds the API client from cfg and opens a session on it.
func Connect(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*Session, error) {
	client, err := api.NewClient(api.Options{
		BaseURL:           cfg.Server.BaseURL,
		Token:             cfg.Server.Token,
		Timeout:           cfg.Server.TimeoutDuration(),
		RequestsPerSecond: cfg.Server.RequestsPerSecond,
		Burst:             cfg.Server.Burst,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}
	return NewSession(ctx, cfg, client, log, opts...)
}

// NewSession opens the media cache and prepares the shared services. A
// cache that can't be opened durably degrades to memory and is reported in
// CacheErr rather than failing the session.
func NewSession(ctx context.Context, cfg *config.Config, server Server, log zerolog.Logger, opts ...Option) (*Session, error) {
	if cfg.Sync.ViewerID == "" {
		return nil, fmt.Errorf("viewer id is not configured")
	}
	s := &Session{
		cfg:           cfg,
		server:        server,
		log:           log.With().Str("component", "engine").Logger(),
		now:           time.Now,
		httpClient:    http.DefaultClient,
		Registry:      prometheus.NewRegistry(),
		conversations: make(map[string]*Conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics := mediacache.NewMetrics(s.Registry)
	cache, err := mediacache.Open(ctx, cfg.Cache.Driver, cfg.Cache.Directory, metrics, log)
	s.CacheErr = err
	s.Media = mediacache.NewMedia(cache, mediacache.MediaOptions{
		Client:    s.httpClient,
		ChunkSize: cfg.Cache.ChunkSizeBytes(),
		HandleDir: cfg.Cache.HandleDirectory,
		Metrics:   metrics,
	}, log)
	return s, nil
}

func (s *Session) Config() *config.Config {
	return s.cfg
}

func (s *Session) ViewerID() string {
	return s.cfg.Sync.ViewerID
}

// Conversation returns the open conversation for ref, creating it on first
// use.
func (s *Session) Conversation(ref string) (*Conversation, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if conv, ok := s.conversations[ref]; ok {
		return conv, nil
	}
	conv := newConversation(s, ref)
	s.conversations[ref] = conv
	return conv, nil
}

// OpenConversations lists the refs of every conversation not yet closed.
func (s *Session) OpenConversations() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	refs := make([]string, 0, len(s.conversations))
	for ref := range s.conversations {
		refs = append(refs, ref)
	}
	return refs
}

func (s *Session) forget(ref string) {
	s.lock.Lock()
	delete(s.conversations, ref)
	s.lock.Unlock()
}

// Close tears down every conversation and closes the media cache.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv)
	}
	s.conversations = map[string]*Conversation{}
	s.lock.Unlock()

	for _, conv := range convs {
		conv.teardown()
	}
	return s.Media.Close()
}
