package app

import (
	"context"
	"errors"
	"sync"
)

// ErrTransient is the failure UnreliableService simulates.
var ErrTransient = errors.New("simulated intermittent failure")

// Response is what UnreliableService returns once it recovers.
type Response struct {
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// RequestParams are the named arguments of UnreliableService.RequestWith.
type RequestParams struct {
	Source string
	Tags   map[string]string
}

// UnreliableService pretends to be a dependency that fails a configurable
// number of times before answering.
type UnreliableService struct {
	mu       sync.Mutex
	failures int
	calls    int
	metadata map[string]string
}

// NewUnreliableService returns a service that fails the first failures
// requests.
func NewUnreliableService(failures int, metadata map[string]string) *UnreliableService {
	return &UnreliableService{failures: failures, metadata: metadata}
}

// Request fails with ErrTransient until the failure budget is used up.
func (s *UnreliableService) Request(ctx context.Context) (Response, error) {
	return s.RequestWith(ctx, RequestParams{})
}

// RequestWith is Request with extra metadata merged into the response.
func (s *UnreliableService) RequestWith(ctx context.Context, p RequestParams) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return Response{}, ErrTransient
	}

	md := make(map[string]string, len(s.metadata)+len(p.Tags)+1)
	for k, v := range s.metadata {
		md[k] = v
	}
	for k, v := range p.Tags {
		md[k] = v
	}
	if p.Source != "" {
		md["source"] = p.Source
	}
	return Response{Status: "ok", Metadata: md}, nil
}

// Calls returns how many requests the service has received.
func (s *UnreliableService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
