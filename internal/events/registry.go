package events

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/fx"
)

// Handler processes one delivery. Returning an error schedules a retry.
type Handler func(ctx context.Context, msg Message) error

type Subscription struct {
	Channel Channel
	Name    string
	Handler Handler
}

type RegistryParams struct {
	fx.In

	Subscriptions []Subscription `group:"bus.subscriptions"`
}

// Registry is the immutable (channel, subscriber) table built at startup.
type Registry struct {
	byChannel map[Channel][]Subscription
}

func NewRegistry(p RegistryParams) (*Registry, error) {
	return BuildRegistry(p.Subscriptions...)
}

func BuildRegistry(subs ...Subscription) (*Registry, error) {
	r := &Registry{byChannel: map[Channel][]Subscription{}}
	seen := map[string]struct{}{}
	for _, sub := range subs {
		sub.Name = strings.TrimSpace(sub.Name)
		if sub.Channel == "" || sub.Name == "" || sub.Handler == nil {
			return nil, fmt.Errorf("invalid subscription %q on %q", sub.Name, sub.Channel)
		}
		key := string(sub.Channel) + "/" + sub.Name
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate subscription %s", key)
		}
		seen[key] = struct{}{}
		r.byChannel[sub.Channel] = append(r.byChannel[sub.Channel], sub)
	}
	for channel := range r.byChannel {
		subs := r.byChannel[channel]
		sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	}
	return r, nil
}

func (r *Registry) Subscribers(channel Channel) []Subscription {
	if r == nil {
		return nil
	}
	return r.byChannel[channel]
}

func (r *Registry) Lookup(channel Channel, name string) (Subscription, bool) {
	for _, sub := range r.Subscribers(channel) {
		if sub.Name == name {
			return sub, true
		}
	}
	return Subscription{}, false
}
