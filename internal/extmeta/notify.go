package extmeta

import "context"

// notifyingStore decorates a Store with a change callback, used to
// fan metadata updates out on the event bus without coupling the
// store to messaging.
type notifyingStore struct {
	Store
	notify func(workspaceID string)
}

// WithNotify invokes notify after every successful mutation of a
// workspace's entry.
func WithNotify(s Store, notify func(workspaceID string)) Store {
	return &notifyingStore{Store: s, notify: notify}
}

func (n *notifyingStore) UpdateRecency(ctx context.Context, workspaceID string, ts int64) error {
	if err := n.Store.UpdateRecency(ctx, workspaceID, ts); err != nil {
		return err
	}
	n.notify(workspaceID)
	return nil
}

func (n *notifyingStore) SetStreaming(ctx context.Context, workspaceID string, streaming bool, lastModel string) error {
	if err := n.Store.SetStreaming(ctx, workspaceID, streaming, lastModel); err != nil {
		return err
	}
	n.notify(workspaceID)
	return nil
}

func (n *notifyingStore) Delete(ctx context.Context, workspaceID string) error {
	if err := n.Store.Delete(ctx, workspaceID); err != nil {
		return err
	}
	n.notify(workspaceID)
	return nil
}
