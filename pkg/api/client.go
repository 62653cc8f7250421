// chatsync - Message synchronization and media cache engine for team chat.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package api is the HTTP client for the chat server's request/response
// operations.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/lrhodin/chatsync/pkg/message"
	"github.com/lrhodin/chatsync/pkg/syncerr"
)

const (
	DefaultTimeout = 20 * time.Second
	DefaultRPS     = 10
	DefaultBurst   = 20
)

type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds calls whose context has no earlier deadline.
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// Dial overrides how connections are made, e.g. for in-memory tests.
	Dial fasthttp.DialFunc
}

type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(opts Options, log zerolog.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	} else if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("server url must include scheme and host")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRPS
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	return &Client{
		baseURL: base,
		token:   opts.Token,
		timeout: opts.Timeout,
		http: &fasthttp.Client{
			Name:                "chatsync",
			Dial:                opts.Dial,
			MaxIdleConnDuration: time.Minute,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		log:     log.With().Str("component", "api").Logger(),
	}, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends one request. fasthttp can't abort a request in flight, so ctx is
// honored through its deadline and while waiting for the rate limiter.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Network(op, err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return syncerr.Network(op, err)
	}
	status := resp.StatusCode()
	c.log.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("Request finished")
	if status < 200 || status >= 300 {
		var eb errorBody
		msg := strings.TrimSpace(string(resp.Body()))
		if json.Unmarshal(resp.Body(), &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		return syncerr.NetworkStatus(op, status, fmt.Errorf("%s %s: %s", method, path, msg))
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return syncerr.Network(op, fmt.Errorf("failed to decode response: %w", err))
		}
	}
	return nil
}

// History fetches up to limit messages ordered before the (before, beforeID)
// cursor, newest window first when before is zero.
func (c *Client) History(ctx context.Context, conversationRef string, before time.Time, beforeID string, limit int) ([]*message.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
		if beforeID != "" {
			q.Set("beforeId", beforeID)
		}
	}
	path := "/conversations/" + url.PathEscape(conversationRef) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []*message.Message
	if err := c.do(ctx, "history", fasthttp.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

type markReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// MarkRead sends read receipts. An empty list sends nothing.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.do(ctx, "markRead", fasthttp.MethodPost, "/messages/read", markReadRequest{MessageIDs: messageIDs}, nil)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (c *Client) AddReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, "addReaction", fasthttp.MethodPost,
		"/messages/"+url.PathEscape(messageID)+"/reactions", reactionRequest{Emoji: emoji}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return c.do(ctx, "removeReaction", fasthttp.MethodDelete,
		"/messages/"+url.PathEscape(messageID)+"/reactions", reactionRequest{Emoji: emoji}, nil)
}

type attachmentActionRequest struct {
	Action string `json:"action"`
	Emoji  string `json:"emoji,omitempty"`
}

type attachmentActionResponse struct {
	Attachments []message.Attachment `json:"attachments"`
}

// AttachmentAction reacts to, unreacts from or deletes one attachment and
// returns the message's resulting attachment list.
func (c *Client) AttachmentAction(ctx context.Context, messageID string, index int, action, emoji string) ([]message.Attachment, error) {
	path := fmt.Sprintf("/messages/%s/attachments/%d/actions", url.PathEscape(messageID), index)
	var resp attachmentActionResponse
	if err := c.do(ctx, "attachmentAction", fasthttp.MethodPost, path, attachmentActionRequest{Action: action, Emoji: emoji}, &resp); err != nil {
		return nil, err
	}
	if resp.Attachments == nil {
		resp.Attachments = []message.Attachment{}
	}
	return resp.Attachments, nil
}
