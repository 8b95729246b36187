// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sampler

import (
	"context"
	"sync"
)

// MockSampler returns scripted responses and records every request.
//
// Queued responses are consumed in order. When the queue is empty the
// response func is used, then the default of N copies of "pass".
type MockSampler struct {
	mu           sync.Mutex
	queue        []mockResult
	responseFunc func(*Request) (*Response, error)
	calls        []*Request
}

type mockResult struct {
	resp *Response
	err  error
}

// NewMockSampler creates an empty MockSampler.
func NewMockSampler() *MockSampler {
	return &MockSampler{}
}

// QueueCompletions queues one response holding contents and usage.
func (m *MockSampler) QueueCompletions(usage Usage, contents ...string) *MockSampler {
	resp := &Response{Usage: usage, Model: "mock"}
	for i, c := range contents {
		resp.Choices = append(resp.Choices, Choice{Index: i, Content: c, FinishReason: "stop"})
	}
	return m.QueueResponse(resp)
}

// QueueResponse queues resp.
func (m *MockSampler) QueueResponse(resp *Response) *MockSampler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{resp: resp})
	return m
}

// QueueError queues a failing call.
func (m *MockSampler) QueueError(err error) *MockSampler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{err: err})
	return m
}

// WithResponseFunc sets the fallback for an empty queue.
func (m *MockSampler) WithResponseFunc(f func(*Request) (*Response, error)) *MockSampler {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseFunc = f
	return m
}

// Generate implements Sampler.
func (m *MockSampler) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	copied := *req
	copied.Messages = append([]Message(nil), req.Messages...)
	m.calls = append(m.calls, &copied)

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return next.resp, next.err
	}
	f := m.responseFunc
	m.mu.Unlock()

	if f != nil {
		return f(req)
	}
	resp := &Response{Model: "mock"}
	for i := 0; i < req.count(); i++ {
		resp.Choices = append(resp.Choices, Choice{Index: i, Content: "pass", FinishReason: "stop"})
	}
	return resp, nil
}

// Calls returns the recorded requests.
func (m *MockSampler) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.calls...)
}

// CallCount returns the number of Generate calls.
func (m *MockSampler) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
