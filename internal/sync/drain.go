package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinesync/internal/auth"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/remote"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Processed int
	Succeeded int
	// Failed counts retryable failures; those entries stay in the outbox.
	Failed    int
	Conflicts int
	// Rejected counts entries discarded because the server refused them permanently.
	Rejected int
	// Deferred counts entries left for the next drain without being attempted.
	Deferred int
	// Coalesced is set when the call found a drain already running and did nothing.
	Coalesced bool
	LastError string
	Duration  time.Duration

	ConflictLogs []models.ConflictLog
	// Reviews holds losing changes that the manual strategy hands back.
	Reviews []models.PendingChange
}

func (r *DrainResult) problems() int {
	return r.Failed + r.Conflicts + r.Rejected
}

type pass struct {
	token     string
	result    *DrainResult
	attempted map[string]bool
	failed    map[entityKey]bool
}

type outcome struct {
	record models.Versioned
	err    *remote.Error
}

// Drain replays the outbox. Batches run one after another; the entries of a batch
// are dispatched concurrently. Failures never abort the pass: they are counted in
// the result and recorded as the store's sync error.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		logging.Debug("Drain already in progress, coalescing", nil)
		return &DrainResult{Coalesced: true}, nil
	}
	e.draining = true
	e.mu.Unlock()

	e.runMu.Lock()
	defer func() {
		e.runMu.Unlock()
		e.mu.Lock()
		e.draining = false
		e.status = SyncStatusIdle
		e.mu.Unlock()
	}()
	e.setStatus(SyncStatusDraining)

	started := e.clock()
	pending := e.outbox.Len()
	e.emit(EventSyncStarted, map[string]interface{}{"pending": pending})
	logging.Info("Starting drain", map[string]interface{}{"pending": pending, "batch_size": e.batchSize})

	p := &pass{
		result:    &DrainResult{},
		attempted: make(map[string]bool),
		failed:    make(map[entityKey]bool),
	}

	token, err := e.tokens.Token(ctx)
	if err != nil && pending > 0 {
		failure := apperrors.Wrap(apperrors.ErrSyncAuthFailed, "no credential for sync", err)
		p.result.Deferred = pending
		p.result.LastError = failure.Error()
		return e.finishDrain(p, started, failure)
	}
	p.token = token

	for ctx.Err() == nil {
		batch := e.nextBatch(p)
		if len(batch) == 0 {
			break
		}
		if err := e.runBatch(ctx, p, batch); err != nil {
			return e.finishDrain(p, started, err)
		}
	}

	for _, c := range e.outbox.ListOrdered() {
		if !p.attempted[c.ChangeID] {
			p.result.Deferred++
		}
	}
	return e.finishDrain(p, started, nil)
}

// nextBatch selects up to batchSize entries in outbox order. An entity contributes
// at most one entry per batch, an entity that failed earlier in the pass is skipped
// until the next drain, and a comment whose post has not reached the server yet
// waits for the post's create to settle.
func (e *SyncEngine) nextBatch(p *pass) []models.PendingChange {
	aliases := e.store.Values().Aliases
	blocked := make(map[entityKey]bool)
	var batch []models.PendingChange

	for _, c := range e.outbox.ListOrdered() {
		key := keyOf(aliases, c)
		switch {
		case p.attempted[c.ChangeID], p.failed[key], blocked[key]:
			blocked[key] = true
			continue
		case c.Table == models.TableComments && uuid.IsLocal(resolve(aliases, c.ParentID)):
			blocked[key] = true
			continue
		}
		blocked[key] = true
		batch = append(batch, c)
		if len(batch) == e.batchSize {
			break
		}
	}
	return batch
}

func (e *SyncEngine) runBatch(ctx context.Context, p *pass, batch []models.PendingChange) error {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = c.ChangeID
	}
	claimed, err := e.outbox.Claim(ids)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		live[id] = true
	}

	aliases := e.store.Values().Aliases
	outcomes := make([]outcome, len(batch))

	// In-flight calls settle even if ctx is cancelled mid-batch.
	callCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i, c := range batch {
		p.attempted[c.ChangeID] = true
		if !live[c.ChangeID] {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			outcomes[i] = e.dispatch(callCtx, p.token, c, aliases)
			return nil
		})
	}
	// Call failures travel in outcomes; the group only waits for the batch.
	_ = g.Wait()

	for i, c := range batch {
		if !live[c.ChangeID] {
			continue
		}
		p.result.Processed++
		err := e.settle(callCtx, p, c, outcomes[i])
		e.outbox.ClearInFlight(c.ChangeID)
		if err != nil {
			e.settleFailed(p, c, outcomes[i], err)
		}
	}
	return nil
}

// settleFailed records an outcome the store could not absorb. The entry stays
// queued and its entity waits for the next drain.
func (e *SyncEngine) settleFailed(p *pass, c models.PendingChange, out outcome, err error) {
	key := keyOf(e.store.Values().Aliases, c)
	p.failed[key] = true
	if out.err == nil {
		p.result.Failed++
	}
	p.result.LastError = fmt.Sprintf("%s %s %s: %v", c.Kind, c.Table, key.id, err)
	logging.Error("Failed to apply sync outcome", err, map[string]interface{}{
		"change_id": c.ChangeID,
		"kind":      string(c.Kind),
		"table":     string(c.Table),
		"id":        key.id,
	})
}

// dispatch sends one entry to the server. Temporary ids are translated through
// the alias table so entries recorded before a create settled reach the
// canonical record.
func (e *SyncEngine) dispatch(ctx context.Context, token string, c models.PendingChange, aliases map[string]string) outcome {
	target := resolve(aliases, c.TargetID)
	parent := resolve(aliases, c.ParentID)

	var rec models.Versioned
	var err error
	switch c.Table {
	case models.TablePosts:
		var in models.PostPayload
		if c.Kind != models.ChangeDelete {
			if err := json.Unmarshal(c.Payload, &in); err != nil {
				return badPayload(err)
			}
		}
		switch c.Kind {
		case models.ChangeCreate:
			var post models.Post
			post, err = e.remote.CreatePost(ctx, token, in)
			rec = post
		case models.ChangeUpdate:
			var post models.Post
			post, err = e.remote.UpdatePost(ctx, token, target, in)
			rec = post
		case models.ChangeDelete:
			err = e.remote.DeletePost(ctx, token, target)
		}

	case models.TableComments:
		var in models.CommentPayload
		if c.Kind != models.ChangeDelete {
			if err := json.Unmarshal(c.Payload, &in); err != nil {
				return badPayload(err)
			}
		}
		switch c.Kind {
		case models.ChangeCreate:
			var comment models.Comment
			comment, err = e.remote.CreateComment(ctx, token, parent, in)
			rec = comment
		case models.ChangeUpdate:
			var comment models.Comment
			comment, err = e.remote.UpdateComment(ctx, token, target, in)
			rec = comment
		case models.ChangeDelete:
			err = e.remote.DeleteComment(ctx, token, parent, target)
		}

	default:
		return badPayload(fmt.Errorf("table %q does not sync", c.Table))
	}

	if c.Kind == models.ChangeDelete && remote.KindOf(err) == remote.KindNotFound {
		err = nil
	}
	if err != nil {
		return outcome{err: remote.AsError(err)}
	}
	if c.Kind != models.ChangeDelete && (rec == nil || rec.RowID() == "") {
		return outcome{err: &remote.Error{Kind: remote.KindTransient, Message: "decode response: server record has no id"}}
	}
	return outcome{record: rec}
}

func badPayload(err error) outcome {
	return outcome{err: &remote.Error{Kind: remote.KindRejected, Message: "malformed change payload", Err: err}}
}

// settle applies the outcome of one entry to the store and the pass summary.
func (e *SyncEngine) settle(ctx context.Context, p *pass, c models.PendingChange, out outcome) error {
	if out.err == nil {
		if err := e.applySuccess(c, out.record); err != nil {
			return err
		}
		p.result.Succeeded++
		return nil
	}

	aliases := e.store.Values().Aliases
	key := keyOf(aliases, c)
	p.result.LastError = fmt.Sprintf("%s %s %s: %v", c.Kind, c.Table, key.id, out.err)
	fields := map[string]interface{}{
		"change_id": c.ChangeID,
		"kind":      string(c.Kind),
		"table":     string(c.Table),
		"id":        key.id,
		"failure":   string(out.err.Kind),
		"status":    out.err.Status,
	}

	switch out.err.Kind {
	case remote.KindTransient, remote.KindUnauthorized:
		p.failed[key] = true
		p.result.Failed++
		logging.Warn("Change kept for retry", fields)
		return nil

	case remote.KindConflict:
		p.result.Conflicts++
		return e.applyConflict(ctx, p, c, out.err)
	}

	p.result.Rejected++
	logging.ErrorWithCode("Change rejected by server", string(out.err.Code()), out.err, fields)
	e.emit(EventSyncChangeRejected, map[string]interface{}{
		"change_id": c.ChangeID,
		"kind":      string(c.Kind),
		"table":     string(c.Table),
		"id":        key.id,
		"reason":    string(out.err.Kind),
		"message":   out.err.Message,
	})

	switch {
	case c.Kind == models.ChangeCreate:
		return e.rollbackCreate(c)
	case out.err.Kind == remote.KindNotFound:
		// The record is gone on the server.
		return e.store.Update(func(tx *store.Tx) error {
			e.outbox.RemoveTx(tx, c.ChangeID)
			dropLocal(tx, c.Table, key.id)
			return nil
		})
	default:
		return e.restore(ctx, c, key.id)
	}
}

func (e *SyncEngine) applySuccess(c models.PendingChange, rec models.Versioned) error {
	return e.store.Update(func(tx *store.Tx) error {
		e.outbox.RemoveTx(tx, c.ChangeID)
		aliases := tx.Values().Aliases

		switch c.Kind {
		case models.ChangeCreate:
			temp, canonical := c.TargetID, rec.RowID()
			tx.UpdateValues(func(v *store.Values) {
				if v.Aliases == nil {
					v.Aliases = make(map[string]string)
				}
				v.Aliases[temp] = canonical
			})
			aliases = tx.Values().Aliases
			if err := rekey(tx, c.Table, temp, rec, e.pendingFor(tx, aliases, entityKey{c.Table, canonical})); err != nil {
				return err
			}
			if c.Table == models.TablePosts {
				return repointComments(tx, temp, canonical)
			}
			return nil

		case models.ChangeUpdate:
			id := resolve(aliases, c.TargetID)
			if _, ok := tx.Get(c.Table, id); !ok || e.pendingFor(tx, aliases, entityKey{c.Table, id}) {
				return nil
			}
			return tx.Set(c.Table, rec)

		default:
			dropLocal(tx, c.Table, resolve(aliases, c.TargetID))
			return nil
		}
	})
}

// rekey moves the optimistic row stored under temp to the canonical id. If later
// local edits are still queued the local fields are kept; otherwise the server's
// record replaces the row. A row deleted locally in the meantime stays deleted.
func rekey(tx *store.Tx, table models.Table, temp string, rec models.Versioned, pending bool) error {
	local, ok := tx.Get(table, temp)
	if !ok {
		return nil
	}
	tx.Delete(table, temp)
	if !pending {
		return tx.Set(table, rec)
	}

	switch row := local.(type) {
	case models.Post:
		canonical := rec.(models.Post)
		row.ID, row.AuthorID, row.CreatedAt = canonical.ID, canonical.AuthorID, canonical.CreatedAt
		return tx.Set(table, row)
	case models.Comment:
		canonical := rec.(models.Comment)
		row.ID, row.PostID, row.AuthorID, row.CreatedAt = canonical.ID, canonical.PostID, canonical.AuthorID, canonical.CreatedAt
		return tx.Set(table, row)
	}
	return tx.Set(table, rec)
}

func repointComments(tx *store.Tx, from, to string) error {
	for _, comment := range store.TxList[models.Comment](tx, models.TableComments) {
		if comment.PostID != from {
			continue
		}
		comment.PostID = to
		if err := tx.Set(models.TableComments, comment); err != nil {
			return err
		}
	}
	return nil
}

// dropLocal removes a row and, for a post, its comments.
func dropLocal(tx *store.Tx, table models.Table, id string) {
	tx.Delete(table, id)
	if table != models.TablePosts {
		return
	}
	for _, comment := range store.TxList[models.Comment](tx, models.TableComments) {
		if comment.PostID == id {
			tx.Delete(models.TableComments, comment.ID)
		}
	}
}

// pendingFor reports whether any queued entry still targets key.
func (e *SyncEngine) pendingFor(tx *store.Tx, aliases map[string]string, key entityKey) bool {
	for _, c := range e.outbox.ListOrderedTx(tx) {
		if keyOf(aliases, c) == key {
			return true
		}
	}
	return false
}

// rollbackCreate undoes a create the server refused: the optimistic row goes away
// together with every queued change that depends on it.
func (e *SyncEngine) rollbackCreate(c models.PendingChange) error {
	return e.store.Update(func(tx *store.Tx) error {
		e.outbox.RemoveTx(tx, c.ChangeID)
		for _, other := range e.outbox.ListOrderedTx(tx) {
			sameEntity := other.Table == c.Table && other.TargetID == c.TargetID
			child := c.Table == models.TablePosts && other.ParentID == c.TargetID
			if (sameEntity || child) && !e.outbox.InFlight(other.ChangeID) {
				e.outbox.RemoveTx(tx, other.ChangeID)
			}
		}
		dropLocal(tx, c.Table, c.TargetID)
		return nil
	})
}

// restore replaces the local row with the server's copy after a refused update or
// delete, so a local edit the server will never accept does not linger.
func (e *SyncEngine) restore(ctx context.Context, c models.PendingChange, id string) error {
	parent := resolve(e.store.Values().Aliases, c.ParentID)
	rec, comments, err := e.fetch(ctx, c.Table, id, parent)
	if err != nil && remote.KindOf(err) != remote.KindNotFound {
		logging.Warn("Could not re-fetch record after rejection", map[string]interface{}{
			"table": string(c.Table),
			"id":    id,
			"error": err.Error(),
		})
	}

	return e.store.Update(func(tx *store.Tx) error {
		e.outbox.RemoveTx(tx, c.ChangeID)
		switch {
		case remote.KindOf(err) == remote.KindNotFound:
			dropLocal(tx, c.Table, id)
		case err != nil:
		default:
			if err := tx.Set(c.Table, rec); err != nil {
				return err
			}
			for _, comment := range comments {
				if _, ok := tx.Get(models.TableComments, comment.ID); ok {
					continue
				}
				if err := tx.Set(models.TableComments, comment); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// fetch returns the server's copy of a record. For a post the comments are
// returned too.
func (e *SyncEngine) fetch(ctx context.Context, table models.Table, id, postID string) (models.Versioned, []models.Comment, error) {
	if table == models.TablePosts {
		post, comments, err := e.remote.GetPost(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return post, comments, nil
	}
	_, comments, err := e.remote.GetPost(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	for _, comment := range comments {
		if comment.ID == id {
			return comment, nil, nil
		}
	}
	return nil, nil, &remote.Error{Kind: remote.KindNotFound, Message: "comment not found"}
}

// applyConflict overwrites the local row with the server's record and drops the
// stale change along with queued edits that were built on top of it.
func (e *SyncEngine) applyConflict(ctx context.Context, p *pass, c models.PendingChange, failure *remote.Error) error {
	aliases := e.store.Values().Aliases
	key := keyOf(aliases, c)

	serverRecord, err := decodeRecord(c.Table, failure)
	if err != nil {
		serverRecord, _, err = e.fetch(ctx, c.Table, key.id, resolve(aliases, c.ParentID))
		if err != nil {
			serverRecord = nil
		}
	}

	baseVersion := payloadVersion(c.Payload)
	result, err := e.resolver.Resolve(&conflict.Conflict{
		Table:         c.Table,
		ItemID:        key.id,
		Change:        c,
		LocalVersion:  baseVersion,
		ServerVersion: failure.ServerVersion,
		Remote:        serverRecord,
	})
	if err != nil {
		return err
	}

	err = e.store.Update(func(tx *store.Tx) error {
		e.outbox.RemoveTx(tx, c.ChangeID)
		deletePending := false
		for _, other := range e.outbox.ListOrderedTx(tx) {
			if keyOf(aliases, other) != key || e.outbox.InFlight(other.ChangeID) {
				continue
			}
			if other.Kind == models.ChangeDelete {
				deletePending = true
				continue
			}
			e.outbox.RemoveTx(tx, other.ChangeID)
		}
		if result.Winner == nil || deletePending {
			return nil
		}
		return tx.Set(c.Table, result.Winner)
	})
	if err != nil {
		return err
	}

	p.result.ConflictLogs = append(p.result.ConflictLogs, *result.ConflictLog)
	if result.NeedsReview {
		p.result.Reviews = append(p.result.Reviews, result.Losing)
	}
	e.emit(EventSyncConflictDetected, map[string]interface{}{
		"table":          string(c.Table),
		"item_id":        key.id,
		"local_version":  baseVersion,
		"server_version": failure.ServerVersion,
		"resolution":     result.ConflictLog.Resolution,
		"losing_payload": json.RawMessage(c.Payload),
	})
	return nil
}

func decodeRecord(table models.Table, failure *remote.Error) (models.Versioned, error) {
	switch table {
	case models.TablePosts:
		var post models.Post
		if err := failure.DecodeRecord(&post); err != nil {
			return nil, err
		}
		if post.ID == "" {
			return nil, errors.New("server record has no id")
		}
		return post, nil
	case models.TableComments:
		var comment models.Comment
		if err := failure.DecodeRecord(&comment); err != nil {
			return nil, err
		}
		if comment.ID == "" {
			return nil, errors.New("server record has no id")
		}
		return comment, nil
	}
	return nil, fmt.Errorf("table %q does not sync", table)
}

func payloadVersion(payload json.RawMessage) int {
	var v struct {
		Version int `json:"version"`
	}
	_ = json.Unmarshal(payload, &v)
	return v.Version
}

// finishDrain records the pass outcome in the store and notifies listeners.
func (e *SyncEngine) finishDrain(p *pass, started time.Time, fatal error) (*DrainResult, error) {
	r := p.result
	r.Duration = e.clock().Sub(started)

	var passErr error
	switch {
	case fatal != nil:
		passErr = fatal
	case r.problems() > 0:
		passErr = apperrors.New(apperrors.ErrSyncFailed, r.LastError)
	}

	err := e.store.Update(func(tx *store.Tx) error {
		refs := make(map[string]bool)
		for _, c := range e.outbox.ListOrderedTx(tx) {
			refs[c.TargetID] = true
			refs[c.ParentID] = true
		}
		values := tx.Values()
		stale := false
		for temp := range values.Aliases {
			if !refs[temp] {
				stale = true
				break
			}
		}

		if !stale && r.Succeeded == 0 && passErr == nil && values.SyncError == "" {
			return nil
		}
		tx.UpdateValues(func(v *store.Values) {
			for temp := range v.Aliases {
				if !refs[temp] {
					delete(v.Aliases, temp)
				}
			}
			if r.Succeeded > 0 {
				v.LastSync = e.clock().UTC()
			}
			if passErr != nil {
				v.SyncError = r.LastError
			} else {
				v.SyncError = ""
			}
		})
		return nil
	})
	if err != nil && fatal == nil {
		fatal = err
		passErr = err
	}

	e.setLastErr(passErr)

	fields := map[string]interface{}{
		"processed":   r.Processed,
		"succeeded":   r.Succeeded,
		"failed":      r.Failed,
		"conflicts":   r.Conflicts,
		"rejected":    r.Rejected,
		"deferred":    r.Deferred,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if passErr != nil {
		fields["error"] = r.LastError
	}

	if fatal != nil || (r.Succeeded == 0 && r.Failed+r.Rejected > 0) {
		logging.Warn("Drain finished without progress", fields)
		e.emit(EventSyncFailed, fields)
	} else {
		logging.Info("Drain completed", fields)
		e.emit(EventSyncCompleted, fields)
	}

	if fatal != nil && !isAuthMissing(fatal) {
		return r, fatal
	}
	return r, nil
}

func isAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrNoToken)
}
