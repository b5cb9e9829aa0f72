package client

import "context"

// Lock is a handle to a successfully acquired named lock.
type Lock struct {
	client *Client
	name   string
}

func (l *Lock) Name() string {
	return l.name
}

func (l *Lock) Release(ctx context.Context) error {
	return l.client.Release(ctx, l.name)
}
