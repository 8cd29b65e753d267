// Package mcpserver registers MCP tools that expose the upload queue and
// the conflict workflow. It adapts the core packages to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/conflict"
	apperrors "github.com/fieldsync/fieldsync/internal/errors"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/state"
	"github.com/fieldsync/fieldsync/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Deps are the components the tools operate on. Resolver may be nil, in
// which case the conflict tools are not registered.
type Deps struct {
	Store        *state.State
	Orchestrator *upload.Orchestrator
	Resolver     *conflict.Resolver
}

// RegisterTools adds the queue and conflict tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_stats",
		Description: "Count queued media items by status and report the bytes held on the device.",
	}, statsHandler(d.Orchestrator))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_list",
		Description: "List queued media items, oldest first. Filter by status (pending, uploading, failed, uploaded) or by a visit or entry id. Payloads are never returned.",
	}, listHandler(d.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_retry",
		Description: "Re-arm a failed item for upload with a fresh retry budget.",
	}, retryHandler(d.Orchestrator))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_delete",
		Description: "Remove an item and its payload from the queue. Fails while the item is uploading.",
	}, deleteHandler(d.Orchestrator))

	if d.Resolver == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "record_sync",
		Description: "Push the local snapshot of a record to the record service. Optional fields replace the local snapshot first. Reports a conflict instead of pushing when local and remote disagree.",
	}, recordSyncHandler(d.Store, d.Resolver))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_list",
		Description: "List unresolved record conflicts, oldest first, with the names of the fields that differ.",
	}, conflictsListHandler(d.Resolver))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_show",
		Description: "Show one conflict with both snapshots and an inline diff per conflicting field ([-remote-]{+local+}).",
	}, conflictShowHandler(d.Resolver))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_resolve",
		Description: "Resolve a conflict with strategy local, remote or merge. Merge requires a selection of local or remote for every conflicting field.",
	}, conflictResolveHandler(d.Resolver))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_resolve_all",
		Description: "Apply strategy local or remote to every unresolved conflict. Each conflict succeeds or fails independently.",
	}, resolveAllHandler(d.Resolver))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types.

// StatsInput has no parameters.
type StatsInput struct{}

// ListInput holds parameters for queue_list.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only items in this status"`
	Owner  string `json:"owner,omitempty" jsonschema:"only items referencing this visit or entry id"`
}

// IDInput identifies a queue item or conflict.
type IDInput struct {
	ID string `json:"id" jsonschema:"item or conflict id"`
}

// ResolveInput holds parameters for conflict_resolve.
type ResolveInput struct {
	ID         string            `json:"id" jsonschema:"conflict id"`
	Strategy   string            `json:"strategy" jsonschema:"local, remote or merge"`
	Selections map[string]string `json:"selections,omitempty" jsonschema:"for merge: field name to local or remote"`
}

// RecordSyncInput holds parameters for record_sync.
type RecordSyncInput struct {
	EntityType string         `json:"entity_type" jsonschema:"record type, e.g. visit"`
	EntityID   string         `json:"entity_id" jsonschema:"record id"`
	Fields     map[string]any `json:"fields,omitempty" jsonschema:"new local field values; omitted to push the stored snapshot"`
}

// ResolveAllInput holds parameters for conflicts_resolve_all.
type ResolveAllInput struct {
	Strategy string `json:"strategy" jsonschema:"local or remote"`
}

// --- Output types ---

// ListResult is the output of queue_list.
type ListResult struct {
	Count int                      `json:"count"`
	Items []models.QueuedMediaItem `json:"items"`
}

// DeleteResult is the output of queue_delete.
type DeleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ConflictSummary is one row of conflicts_list.
type ConflictSummary struct {
	ID         string               `json:"id"`
	EntityType string               `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Fields     []string             `json:"fields"`
	State      models.ConflictState `json:"state"`
	DetectedAt time.Time            `json:"detected_at"`
}

// RecordSyncResult is the output of record_sync. Conflict is set when the
// push was withheld.
type RecordSyncResult struct {
	Synced   bool             `json:"synced"`
	Blocked  bool             `json:"blocked,omitempty"`
	Conflict *ConflictSummary `json:"conflict,omitempty"`
}

// ConflictListResult is the output of conflicts_list.
type ConflictListResult struct {
	Count     int               `json:"count"`
	Conflicts []ConflictSummary `json:"conflicts"`
}

// ConflictDetail is the output of conflict_show.
type ConflictDetail struct {
	Conflict *models.ConflictRecord `json:"conflict"`
	Diffs    []conflict.FieldDiff   `json:"diffs"`
}

// ResolveFailure is one conflict conflicts_resolve_all could not resolve.
type ResolveFailure struct {
	ConflictID string `json:"conflict_id"`
	Error      string `json:"error"`
}

// ResolveAllResult is the output of conflicts_resolve_all.
type ResolveAllResult struct {
	Succeeded []models.Outcome `json:"succeeded"`
	Failed    []ResolveFailure `json:"failed"`
}

// --- Handlers ---

func statsHandler(o *upload.Orchestrator) mcp.ToolHandlerFor[StatsInput, *models.QueueStats] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatsInput) (*mcp.CallToolResult, *models.QueueStats, error) {
		stats, err := o.Stats()
		if err != nil {
			return nil, nil, err
		}
		return textResult(stats), &stats, nil
	}
}

func listHandler(s *state.State) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		var (
			items []models.QueuedMediaItem
			err   error
		)

		status := models.UploadStatus(input.Status)

		switch {
		case input.Status != "" && !status.Valid():
			return nil, nil, fmt.Errorf("unknown status %q", input.Status)
		case input.Owner != "":
			items, err = s.ListByOwner(input.Owner)
		case input.Status != "":
			items, err = s.ListByStatus(status)
		default:
			items, err = s.List()
		}

		if err != nil {
			return nil, nil, err
		}

		if input.Owner != "" && input.Status != "" {
			filtered := items[:0]
			for _, it := range items {
				if it.Status == status {
					filtered = append(filtered, it)
				}
			}
			items = filtered
		}

		if items == nil {
			items = []models.QueuedMediaItem{}
		}

		result := &ListResult{Count: len(items), Items: items}
		return textResult(result), result, nil
	}
}

func retryHandler(o *upload.Orchestrator) mcp.ToolHandlerFor[IDInput, *models.QueuedMediaItem] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *models.QueuedMediaItem, error) {
		item, err := o.Retry(input.ID)
		if err != nil {
			return nil, nil, err
		}
		return textResult(item), item, nil
	}
}

func deleteHandler(o *upload.Orchestrator) mcp.ToolHandlerFor[IDInput, *DeleteResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := o.Delete(input.ID); err != nil {
			return nil, nil, err
		}

		result := &DeleteResult{ID: input.ID, Deleted: true}
		return textResult(result), result, nil
	}
}

func conflictsListHandler(r *conflict.Resolver) mcp.ToolHandlerFor[StatsInput, *ConflictListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatsInput) (*mcp.CallToolResult, *ConflictListResult, error) {
		pending, err := r.Pending()
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictListResult{Count: len(pending), Conflicts: make([]ConflictSummary, 0, len(pending))}
		for i := range pending {
			result.Conflicts = append(result.Conflicts, summarize(&pending[i]))
		}

		return textResult(result), result, nil
	}
}

func recordSyncHandler(s *state.State, r *conflict.Resolver) mcp.ToolHandlerFor[RecordSyncInput, *RecordSyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RecordSyncInput) (*mcp.CallToolResult, *RecordSyncResult, error) {
		if input.EntityType == "" || input.EntityID == "" {
			return nil, nil, errors.New("entity_type and entity_id are required")
		}

		if input.Fields != nil {
			if err := s.ApplySnapshot(ctx, input.EntityType, input.EntityID, models.Snapshot{Fields: input.Fields}); err != nil {
				return nil, nil, err
			}
		}

		local, err := s.GetRecord(input.EntityType, input.EntityID)
		if err != nil {
			return nil, nil, err
		}

		if local == nil {
			return nil, nil, fmt.Errorf("no local record %s/%s", input.EntityType, input.EntityID)
		}

		rec, err := r.SyncRecord(ctx, input.EntityType, input.EntityID, *local)
		if err != nil && !errors.Is(err, apperrors.ErrEntityBlocked) {
			return nil, nil, err
		}

		result := &RecordSyncResult{Synced: rec == nil, Blocked: err != nil}
		if rec != nil {
			sum := summarize(rec)
			result.Conflict = &sum
		}

		return textResult(result), result, nil
	}
}

func conflictShowHandler(r *conflict.Resolver) mcp.ToolHandlerFor[IDInput, *ConflictDetail] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input IDInput) (*mcp.CallToolResult, *ConflictDetail, error) {
		rec, err := r.Get(input.ID)
		if err != nil {
			return nil, nil, err
		}

		result := &ConflictDetail{Conflict: rec, Diffs: conflict.FieldDiffs(rec)}
		return textResult(result), result, nil
	}
}

func conflictResolveHandler(r *conflict.Resolver) mcp.ToolHandlerFor[ResolveInput, *models.Outcome] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveInput) (*mcp.CallToolResult, *models.Outcome, error) {
		var selections map[string]models.Side
		if len(input.Selections) > 0 {
			selections = make(map[string]models.Side, len(input.Selections))
			for field, side := range input.Selections {
				selections[field] = models.Side(side)
			}
		}

		outcome, err := r.Resolve(ctx, input.ID, models.Strategy(input.Strategy), selections)
		if err != nil {
			if errors.Is(err, apperrors.ErrAlreadyApplied) && outcome != nil {
				return nil, nil, fmt.Errorf("%w (applied %s at %s)", err, outcome.Strategy, outcome.AppliedAt.Format(time.RFC3339))
			}
			return nil, nil, err
		}

		return textResult(outcome), outcome, nil
	}
}

func resolveAllHandler(r *conflict.Resolver) mcp.ToolHandlerFor[ResolveAllInput, *ResolveAllResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveAllInput) (*mcp.CallToolResult, *ResolveAllResult, error) {
		batch, err := r.ResolveAll(ctx, models.Strategy(input.Strategy))
		if err != nil {
			return nil, nil, err
		}

		result := &ResolveAllResult{
			Succeeded: batch.Succeeded,
			Failed:    make([]ResolveFailure, 0, len(batch.Failed)),
		}
		if result.Succeeded == nil {
			result.Succeeded = []models.Outcome{}
		}

		for _, f := range batch.Failed {
			result.Failed = append(result.Failed, ResolveFailure{ConflictID: f.ConflictID, Error: f.Err.Error()})
		}

		return textResult(result), result, nil
	}
}

func summarize(c *models.ConflictRecord) ConflictSummary {
	return ConflictSummary{
		ID:         c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Fields:     c.ConflictingFields,
		State:      c.State,
		DetectedAt: c.DetectedAt,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
