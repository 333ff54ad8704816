package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// PullResult summarizes a pull.
type PullResult struct {
	Fetched int
	Applied int
	Removed int
	// Skipped counts records left alone because local changes are pending or the
	// local copy is newer.
	Skipped  int
	Duration time.Duration
}

// Pull downloads every post with its comments and reconciles the local tables.
// Records with pending local changes are never overwritten, and local records
// missing on the server are removed unless they have not been uploaded yet.
func (e *SyncEngine) Pull(ctx context.Context) (*PullResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.setStatus(SyncStatusPulling)
	defer e.setStatus(SyncStatusIdle)

	started := e.clock()
	result := &PullResult{}

	posts, err := e.remote.ListPosts(ctx)
	if err != nil {
		return result, e.failPull(err)
	}
	comments := make(map[string][]models.Comment, len(posts))
	for _, post := range posts {
		if err := ctx.Err(); err != nil {
			return result, e.failPull(err)
		}
		_, list, err := e.remote.GetPost(ctx, post.ID)
		if err != nil {
			return result, e.failPull(err)
		}
		comments[post.ID] = list
	}

	err = e.store.Update(func(tx *store.Tx) error {
		aliases := tx.Values().Aliases
		pending := make(map[entityKey]bool)
		keep := make(map[entityKey]bool)
		for _, c := range e.outbox.ListOrderedTx(tx) {
			pending[keyOf(aliases, c)] = true
			keep[keyOf(aliases, c)] = true
			if c.Table == models.TableComments {
				// A queued comment change keeps its post from being removed.
				keep[entityKey{models.TablePosts, resolve(aliases, c.ParentID)}] = true
			}
		}

		seen := map[models.Table]map[string]bool{
			models.TablePosts:    {},
			models.TableComments: {},
		}
		apply := func(table models.Table, remote models.Versioned) error {
			result.Fetched++
			seen[table][remote.RowID()] = true
			var local models.Versioned
			if row, ok := tx.Get(table, remote.RowID()); ok {
				local, _ = row.(models.Versioned)
			}
			if !e.resolver.ShouldApplyRemote(local, remote, pending[entityKey{table, remote.RowID()}]) {
				result.Skipped++
				return nil
			}
			if local != nil && local == remote {
				return nil
			}
			result.Applied++
			return tx.Set(table, remote)
		}

		for _, post := range posts {
			if err := apply(models.TablePosts, post); err != nil {
				return err
			}
			for _, comment := range comments[post.ID] {
				if err := apply(models.TableComments, comment); err != nil {
					return err
				}
			}
		}

		for _, table := range []models.Table{models.TableComments, models.TablePosts} {
			for id := range tx.Table(table) {
				if seen[table][id] || uuid.IsLocal(id) || keep[entityKey{table, id}] {
					continue
				}
				tx.Delete(table, id)
				result.Removed++
			}
		}

		tx.UpdateValues(func(v *store.Values) {
			v.LastSync = e.clock().UTC()
			v.SyncError = ""
		})
		return nil
	})
	if err != nil {
		return result, e.failPull(err)
	}
	result.Duration = e.clock().Sub(started)
	e.setLastErr(nil)

	logging.Info("Pull completed", map[string]interface{}{
		"fetched":     result.Fetched,
		"applied":     result.Applied,
		"removed":     result.Removed,
		"skipped":     result.Skipped,
		"duration_ms": result.Duration.Milliseconds(),
	})
	return result, nil
}

func (e *SyncEngine) failPull(err error) error {
	failure := apperrors.Wrap(apperrors.ErrSyncTransient, "pull failed", err)
	if apperrors.CodeOf(err) == apperrors.ErrPersistence {
		failure = apperrors.Wrap(apperrors.ErrPersistence, "pull failed", err)
	}
	e.setLastErr(failure)
	if serr := e.store.SetSyncError(failure.Error()); serr != nil {
		logging.Error("Failed to record sync error", serr)
	}
	logging.Error("Pull failed", err)
	return failure
}
