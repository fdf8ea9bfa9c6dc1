// Copyright 2025 Hungry Labs
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hungrylabs/mealsync/recordstore"
	"github.com/hungrylabs/mealsync/replica"
)

// IdentityResolver maps a client-generated local id to the server-assigned
// identifier, with a network lookup scoped to the owning user.
type IdentityResolver struct {
	Remote *recordstore.Client
	Store  *replica.Store
	UserID string
}

// Resolve looks up the remote identifier for localID. found=false with a
// nil error means the record genuinely does not exist remotely yet; that is
// a valid outcome, not a failure.
func (r *IdentityResolver) Resolve(ctx context.Context, localID string) (remoteID string, found bool, err error) {
	rec, err := r.Remote.FindByLocalID(ctx, localID, r.UserID)
	if errors.Is(err, recordstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s: %w", localID, err)
	}
	return rec.ID, true, nil
}

// Link records a resolved identity in the replica. This is the write path
// used whenever a response carries a server-assigned identifier.
func (r *IdentityResolver) Link(localID, remoteID string) error {
	return r.Store.LinkRemote(localID, remoteID)
}
