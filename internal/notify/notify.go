package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/ensemble/pkg/schema"
)

// Message announces that an execution is waiting for approval.
type Message struct {
	ExecutionID string         `json:"execution_id"`
	Ensemble    string         `json:"ensemble"`
	NodePath    string         `json:"node_path"`
	NodeName    string         `json:"node_name"`
	Token       string         `json:"token"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Message     map[string]any `json:"message,omitempty"`
}

// Channel delivers a message to one target of its scheme.
type Channel interface {
	Send(ctx context.Context, target string, msg *Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, target string, msg *Message) error

func (f ChannelFunc) Send(ctx context.Context, target string, msg *Message) error {
	return f(ctx, target, msg)
}

// ParseDestination splits "scheme:target". The scheme is lowercased.
func ParseDestination(dest string) (scheme, target string, err error) {
	scheme, target, ok := strings.Cut(dest, ":")
	if !ok || scheme == "" || target == "" {
		return "", "", schema.NewErrorf(schema.ErrCodeValidation, "invalid notification destination %q: want scheme:target", dest)
	}
	return strings.ToLower(scheme), target, nil
}

// Router dispatches destinations to the channel registered for their scheme.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{channels: make(map[string]Channel)}
}

// Register binds scheme to ch, replacing any previous channel.
func (r *Router) Register(scheme string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[strings.ToLower(scheme)] = ch
}

// Schemes lists the registered schemes in order.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for s := range r.channels {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Send delivers msg to a single "scheme:target" destination.
func (r *Router) Send(ctx context.Context, dest string, msg *Message) error {
	scheme, target, err := ParseDestination(dest)
	if err != nil {
		return err
	}
	r.mu.RLock()
	ch, ok := r.channels[scheme]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no notification channel for scheme %q", scheme)
	}
	if err := ch.Send(ctx, target, msg); err != nil {
		return fmt.Errorf("notify %s: %w", dest, err)
	}
	return nil
}

// Notify sends msg to every destination concurrently. One failing
// destination does not stop the others; all failures are joined.
func (r *Router) Notify(ctx context.Context, dests []string, msg *Message) error {
	if len(dests) == 0 {
		return nil
	}
	errs := make([]error, len(dests))
	var wg sync.WaitGroup
	for i, dest := range dests {
		wg.Add(1)
		go func(i int, dest string) {
			defer wg.Done()
			errs[i] = r.Send(ctx, dest, msg)
		}(i, dest)
	}
	wg.Wait()
	return errors.Join(errs...)
}
