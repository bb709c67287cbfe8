package dispatch

import (
	"context"
	"fmt"

	"github.com/example/waste-dispatch/internal/storage"
)

// StoreTokens resolves push tokens from the document store.
type StoreTokens struct {
	Workers    storage.WorkerStore
	Requesters storage.RequesterStore
}

func (s StoreTokens) PushToken(ctx context.Context, role Role, id string) (string, error) {
	switch role {
	case RoleWorker:
		w, err := s.Workers.GetWorker(ctx, id)
		if err != nil {
			return "", err
		}
		return w.PushToken, nil
	case RoleRequester:
		r, err := s.Requesters.GetRequester(ctx, id)
		if err != nil {
			return "", err
		}
		return r.PushToken, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}
