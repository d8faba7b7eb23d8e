// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MessagePage is one page of the remote message feed.
type MessagePage struct {
	Messages   []MessageRecord `json:"messages"`
	NextCursor *string         `json:"nextCursor"`
}

// ConversationListing is the authoritative conversation list. Complete is only
// set when every page was read; pruning refuses to act on partial listings.
type ConversationListing struct {
	Conversations []ConversationRecord
	Complete      bool
	// FetchedAt is the unix ms time the first page was requested. Local
	// activity newer than this is not covered by the listing.
	FetchedAt int64
}

func (l *ConversationListing) Contains(id string) bool {
	for _, conv := range l.Conversations {
		if conv.ID == id {
			return true
		}
	}
	return false
}

type conversationPage struct {
	Conversations []ConversationRecord `json:"conversations"`
	NextCursor    *string              `json:"nextCursor"`
}

// RemoteService is the authoritative message store.
type RemoteService interface {
	GroupLookup
	ListMessagesSince(ctx context.Context, since *int64, cursor string) (MessagePage, error)
	ListConversations(ctx context.Context) (ConversationListing, error)
	SendMessage(ctx context.Context, record MessageRecord) error
	DeleteMessage(ctx context.Context, messageID string) error
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

const maxConversationPages = 100

// HTTPRemote talks to the remote message service over its JSON API.
type HTTPRemote struct {
	baseURL    string
	credential string
	httpClient *http.Client
	log        zerolog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageLimit  int
}

func NewHTTPRemote(baseURL, credential string, httpClient *http.Client, log zerolog.Logger) *HTTPRemote {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPRemote{
		baseURL:    baseURL,
		credential: strings.TrimSpace(credential),
		httpClient: httpClient,
		log:        log.With().Str("component", "remote").Logger(),
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetPageLimit sets the page size hint sent with feed requests. Zero lets the
// server choose.
func (c *HTTPRemote) SetPageLimit(limit int) {
	c.pageLimit = limit
}

// SetRetry overrides the per-request retry budget used for 429 and 5xx.
func (c *HTTPRemote) SetRetry(maxRetries int, baseDelay, maxDelay time.Duration) {
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
}

func (c *HTTPRemote) ListMessagesSince(ctx context.Context, since *int64, cursor string) (MessagePage, error) {
	q := url.Values{}
	if since != nil {
		q.Set("since", strconv.FormatInt(*since, 10))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if c.pageLimit > 0 {
		q.Set("limit", strconv.Itoa(c.pageLimit))
	}
	var page MessagePage
	err := c.doJSON(ctx, "list messages", http.MethodGet, "/v1/messages", q, nil, &page)
	return page, err
}

func (c *HTTPRemote) ListConversations(ctx context.Context) (ConversationListing, error) {
	listing := ConversationListing{FetchedAt: time.Now().UnixMilli()}
	cursor := ""
	for range maxConversationPages {
		q := url.Values{}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page conversationPage
		if err := c.doJSON(ctx, "list conversations", http.MethodGet, "/v1/conversations", q, nil, &page); err != nil {
			return listing, err
		}
		listing.Conversations = append(listing.Conversations, page.Conversations...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			listing.Complete = true
			return listing, nil
		}
		cursor = *page.NextCursor
	}
	c.log.Warn().
		Int("pages", maxConversationPages).
		Int("conversations", len(listing.Conversations)).
		Msg("Conversation listing exceeded page limit, treating as incomplete")
	return listing, nil
}

func (c *HTTPRemote) SendMessage(ctx context.Context, record MessageRecord) error {
	return c.doJSON(ctx, "send message", http.MethodPost, "/v1/messages", nil, record, nil)
}

func (c *HTTPRemote) DeleteMessage(ctx context.Context, messageID string) error {
	err := c.doJSON(ctx, "delete message", http.MethodDelete, "/v1/messages/"+url.PathEscape(messageID), nil, nil, nil)
	if isHTTPStatus(err, http.StatusNotFound) {
		return &NotFoundError{Resource: "message", ID: messageID}
	}
	return err
}

func (c *HTTPRemote) GetGroupInfo(ctx context.Context, groupID string) (GroupRecord, error) {
	var group GroupRecord
	err := c.doJSON(ctx, "group lookup", http.MethodGet, "/v1/groups/"+url.PathEscape(groupID), nil, nil, &group)
	if isHTTPStatus(err, http.StatusNotFound) {
		return GroupRecord{}, &NotFoundError{Resource: "group", ID: groupID}
	} else if err != nil {
		return GroupRecord{}, err
	}
	if group.ID == "" {
		group.ID = groupID
	}
	return group, nil
}

func isHTTPStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

// doJSON performs one API call, retrying connection failures, 429 and 5xx
// with backoff. Exhausted retries surface as TransportError. Other non-2xx
// answers are returned as HTTPError (409 as ConflictError).
func (c *HTTPRemote) doJSON(
	ctx context.Context,
	op, method, requestPath string,
	query url.Values,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		if c.credential != "" {
			req.Header.Set("Authorization", "Bearer "+c.credential)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				c.log.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Request failed, retrying")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &TransportError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransportError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err = json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", op, err)
			}
			return nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		switch {
		case retryable:
			return &TransportError{Op: op, Err: httpErr}
		case resp.StatusCode == http.StatusConflict:
			return &ConflictError{Resource: op, ID: requestPath}
		}
		return httpErr
	}
}

func (c *HTTPRemote) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
