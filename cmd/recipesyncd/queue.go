package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and modify the pending queue",
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueAddCommand(opts))
	cmd.AddCommand(newQueueStatsCommand(opts))
	cmd.AddCommand(newQueuePruneCommand(opts))
	return cmd
}

// entryView is one queue entry as printed by queue list.
type entryView struct {
	ID         string               `json:"id"`
	Seq        int64                `json:"seq"`
	Kind       models.OperationKind `json:"kind,omitempty"`
	EntityType models.EntityType    `json:"entity_type,omitempty"`
	EntityID   string               `json:"entity_id,omitempty"`
	HasBinary  bool                 `json:"has_binary,omitempty"`
	RetryCount int                  `json:"retry_count"`
	LastError  string               `json:"last_error,omitempty"`
	Malformed  string               `json:"malformed,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

func viewEntries(q *queue.Queue, entries []*queue.Entry) []entryView {
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{
			ID:         e.ID,
			Seq:        e.Seq,
			HasBinary:  e.BlobHash != "",
			RetryCount: e.RetryCount,
			LastError:  e.LastError,
			CreatedAt:  e.CreatedAt,
		}
		op, err := q.Decode(e)
		if err != nil {
			v.Malformed = err.Error()
		} else {
			v.Kind = op.Kind
			v.EntityType = op.EntityType
			v.EntityID = op.EntityID
		}
		views = append(views, v)
	}
	return views
}

func newQueueListCommand(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending entries in creation order",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return checkFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.queue.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			views := viewEntries(a.queue, entries)

			if format != "text" {
				return printStructured(cmd.OutOrStdout(), format, views)
			}
			return printEntryTable(cmd.OutOrStdout(), views)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func printEntryTable(w io.Writer, views []entryView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tENTITY\tRETRIES\tCREATED")
	for _, v := range views {
		entity := string(v.EntityType) + "/" + v.EntityID
		kind := string(v.Kind)
		if v.Malformed != "" {
			entity, kind = "-", "malformed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", v.ID, kind, entity, v.RetryCount, v.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newQueueAddCommand(opts *rootOptions) *cobra.Command {
	var (
		kind       string
		entityType string
		entityID   string
		payload    string
		binaryFile string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Durably enqueue one operation",
		Long: `Durably enqueue one operation.

Example:
  recipesyncd queue add --kind create --type recipe --id r1 --payload '{"title":"Soup","updated_at":1}'
  recipesyncd queue add --kind update --type photo --id p1 --payload '{"updated_at":2}' --binary ./p1.jpg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			op := &models.SyncOperation{
				Kind:       models.OperationKind(kind),
				EntityType: models.EntityType(entityType),
				EntityID:   entityID,
			}
			if payload != "" {
				op.Payload = models.Snapshot(payload)
			}
			if binaryFile != "" {
				data, err := os.ReadFile(binaryFile)
				if err != nil {
					return fmt.Errorf("read binary payload: %w", err)
				}
				op.BinaryPayload = data
			}

			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, err := a.queue.Enqueue(cmd.Context(), op)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "operation kind (create|update|delete)")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type (recipe|photo|collection)")
	cmd.Flags().StringVar(&entityID, "id", "", "entity id")
	cmd.Flags().StringVar(&payload, "payload", "", "entity snapshot as a JSON object")
	cmd.Flags().StringVar(&binaryFile, "binary", "", "file holding photo bytes")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newQueueStatsCommand(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return checkFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if format != "text" {
				return printStructured(cmd.OutOrStdout(), format, stats)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "total: %d\nretrying: %d\n", stats.Total, stats.Retrying)
			for _, t := range []models.EntityType{models.EntityRecipe, models.EntityPhoto, models.EntityCollection} {
				fmt.Fprintf(w, "%s: %d\n", t, stats.ByEntityType[t])
			}
			fmt.Fprintf(w, "spooled: %d blobs, %d bytes\n", stats.SpooledBlobs, stats.SpooledBytes)
			if stats.MissingBlobs > 0 {
				fmt.Fprintf(w, "missing blobs: %d\n", stats.MissingBlobs)
			}
			if stats.OldestAt != nil {
				fmt.Fprintf(w, "oldest: %s\n", stats.OldestAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func newQueuePruneCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete corrupted or unreferenced spooled photo bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.queue.PruneBlobs(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d blobs\n", removed)
			return nil
		},
	}
}
