package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
)

// ErrNotFound is returned by RecordStore.Get when the entity is absent remotely.
var ErrNotFound = errors.New("remote entity not found")

// RecordStore persists entity snapshots remotely.
type RecordStore interface {
	// Get returns the remote snapshot, or ErrNotFound.
	Get(ctx context.Context, entityType models.EntityType, id string) (models.Snapshot, error)
	Save(ctx context.Context, entityType models.EntityType, id string, snapshot models.Snapshot) error
	Delete(ctx context.Context, entityType models.EntityType, id string) error
	// ListForOwner streams every snapshot owned by ownerID. The channel is
	// closed when listing ends; a failure arrives as a final item with Err set.
	ListForOwner(ctx context.Context, ownerID string) <-chan ListItem
}

// BlobStore persists photo bytes remotely.
type BlobStore interface {
	PutBlob(ctx context.Context, id string, data []byte) error
	GetBlob(ctx context.Context, id string) ([]byte, error)
	DeleteBlob(ctx context.Context, id string) error
}

// Store is both remote collaborators.
type Store interface {
	RecordStore
	BlobStore
}

// ListItem is one result of ListForOwner.
type ListItem struct {
	EntityType models.EntityType
	EntityID   string
	Snapshot   models.Snapshot
	Err        error
}

// ObjectRemote implements Store over an ObjectStore. Keys are
// <prefix>/<type>s/<id>.json for snapshots and <prefix>/photos/<id>.bin
// for photo bytes.
type ObjectRemote struct {
	objects ObjectStore
	gateway auth.Gateway
	prefix  string
}

// NewObjectRemote creates an ObjectRemote. Every call first obtains a
// fresh token from gateway.
func NewObjectRemote(objects ObjectStore, gateway auth.Gateway, prefix string) *ObjectRemote {
	return &ObjectRemote{
		objects: objects,
		gateway: gateway,
		prefix:  strings.Trim(prefix, "/"),
	}
}

var entityTypes = []models.EntityType{models.EntityRecipe, models.EntityPhoto, models.EntityCollection}

func (r *ObjectRemote) typePrefix(entityType models.EntityType) string {
	return path.Join(r.prefix, string(entityType)+"s") + "/"
}

func (r *ObjectRemote) recordKey(entityType models.EntityType, id string) string {
	return r.typePrefix(entityType) + id + ".json"
}

func (r *ObjectRemote) blobKey(id string) string {
	return r.typePrefix(models.EntityPhoto) + id + ".bin"
}

// authorize attaches a fresh token to ctx.
func (r *ObjectRemote) authorize(ctx context.Context) (context.Context, error) {
	token, err := r.gateway.FreshToken(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrSyncAuthFailed, "token unavailable", err)
	}
	return auth.WithToken(ctx, token), nil
}

func remoteErr(op string, err error) error {
	return apperrors.Wrap(categorize(err), op, err)
}

// categorize maps a transport failure to an error code. Rejected
// credentials are auth failures; everything else is a remote failure.
func categorize(err error) apperrors.ErrorCode {
	var status *StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.ErrSyncAuthFailed
		}
		return apperrors.ErrRemote
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return apperrors.ErrSyncTimeout
	}
	return apperrors.ErrRemote
}

// ConnectionTester is implemented by object stores that can verify
// reachability and credentials without touching data.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// Ping checks that a token is available and, when the object store
// supports it, that the store accepts requests.
func (r *ObjectRemote) Ping(ctx context.Context) error {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return err
	}
	tester, ok := r.objects.(ConnectionTester)
	if !ok {
		return nil
	}
	if err := tester.TestConnection(ctx); err != nil {
		return remoteErr("test connection", err)
	}
	return nil
}

// Get implements RecordStore.
func (r *ObjectRemote) Get(ctx context.Context, entityType models.EntityType, id string) (models.Snapshot, error) {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return nil, err
	}
	data, err := r.objects.Download(ctx, r.recordKey(entityType, id))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	}
	if err != nil {
		return nil, remoteErr("get "+string(entityType), err)
	}
	return models.Snapshot(data), nil
}

// Save implements RecordStore.
func (r *ObjectRemote) Save(ctx context.Context, entityType models.EntityType, id string, snapshot models.Snapshot) error {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return err
	}
	if err := r.objects.Upload(ctx, r.recordKey(entityType, id), snapshot); err != nil {
		return remoteErr("save "+string(entityType), err)
	}
	return nil
}

// Delete implements RecordStore. Deleting an absent entity succeeds.
func (r *ObjectRemote) Delete(ctx context.Context, entityType models.EntityType, id string) error {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return err
	}
	if err := r.objects.Delete(ctx, r.recordKey(entityType, id)); err != nil {
		return remoteErr("delete "+string(entityType), err)
	}
	return nil
}

// ListForOwner implements RecordStore.
func (r *ObjectRemote) ListForOwner(ctx context.Context, ownerID string) <-chan ListItem {
	out := make(chan ListItem)

	go func() {
		defer close(out)

		send := func(item ListItem) bool {
			select {
			case out <- item:
				return true
			case <-ctx.Done():
				return false
			}
		}

		authCtx, err := r.authorize(ctx)
		if err != nil {
			send(ListItem{Err: err})
			return
		}

		for _, entityType := range entityTypes {
			prefix := r.typePrefix(entityType)
			keys, err := r.objects.List(authCtx, prefix)
			if err != nil {
				send(ListItem{Err: remoteErr("list "+string(entityType), err)})
				return
			}
			for _, key := range keys {
				if !strings.HasSuffix(key, ".json") {
					continue
				}
				data, err := r.objects.Download(authCtx, key)
				if errors.Is(err, ErrObjectNotFound) {
					continue
				}
				if err != nil {
					send(ListItem{Err: remoteErr("list "+string(entityType), err)})
					return
				}
				snap := models.Snapshot(data)
				if snap.OwnerID() != ownerID {
					continue
				}
				id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
				if !send(ListItem{EntityType: entityType, EntityID: id, Snapshot: snap}) {
					return
				}
			}
		}
	}()

	return out
}

// PutBlob implements BlobStore.
func (r *ObjectRemote) PutBlob(ctx context.Context, id string, data []byte) error {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return err
	}
	if err := r.objects.Upload(ctx, r.blobKey(id), data); err != nil {
		return remoteErr("put blob", err)
	}
	return nil
}

// GetBlob implements BlobStore.
func (r *ObjectRemote) GetBlob(ctx context.Context, id string) ([]byte, error) {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return nil, err
	}
	data, err := r.objects.Download(ctx, r.blobKey(id))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: photo blob %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, remoteErr("get blob", err)
	}
	return data, nil
}

// DeleteBlob implements BlobStore.
func (r *ObjectRemote) DeleteBlob(ctx context.Context, id string) error {
	ctx, err := r.authorize(ctx)
	if err != nil {
		return err
	}
	if err := r.objects.Delete(ctx, r.blobKey(id)); err != nil {
		return remoteErr("delete blob", err)
	}
	return nil
}
