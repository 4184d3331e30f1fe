package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/YashengChen/crawlerkit"
	"github.com/YashengChen/crawlerkit/tor"
)

func setupCommands() {
	importCmd.Flags().String("to", "mongo", "Destination store: mongo, sql or solr")
	importCmd.Flags().String("target", "", "Collection or table name (mongo, sql)")
	importCmd.Flags().String("dedupe-key", "", "Upsert on this field instead of inserting (mongo)")
	importCmd.Flags().Bool("skip-seen", false, "Skip records whose fingerprint was imported before")
	importCmd.Flags().Int("workers", 1, "Concurrent inserts (mongo)")

	exportCmd.Flags().String("from", "mongo", "Source store: mongo or sql")
	exportCmd.Flags().String("filter", "", "Comma-separated field=value pairs; a repeated field matches any of its values")
	exportCmd.Flags().Bool("append", false, "Append to the snapshot instead of overwriting it")

	dropCmd.Flags().String("from", "mongo", "Store: mongo or sql")

	rootCmd.AddCommand(pingCmd, initSchemaCmd, importCmd, exportCmd, dropCmd, queryCmd, torRotateCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check every configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPing(cmd.Context(), current)
	},
}

var initSchemaCmd = &cobra.Command{
	Use:   "init-schema",
	Short: "Create the SQL database and declared tables if missing",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := current.relationalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		return store.InitSchema(cmd.Context(), current.cfg.schema())
	},
}

var importCmd = &cobra.Command{
	Use:   "import <snapshot-key>",
	Short: "Write the records of a JSON snapshot into a store",
	Long: `Write the records of a JSON snapshot into a store.

Mongo and Solr imports report every record on its own. SQL imports commit
one transaction per 100 records: a failing record rolls back its own
batch only, so batches committed before it stay in the table and the
import as a whole is not atomic.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		target, _ := cmd.Flags().GetString("target")
		dedupeKey, _ := cmd.Flags().GetString("dedupe-key")
		skipSeen, _ := cmd.Flags().GetBool("skip-seen")
		workers, _ := cmd.Flags().GetInt("workers")
		return runImport(cmd.Context(), current, importOptions{
			key:       args[0],
			to:        to,
			target:    target,
			dedupeKey: dedupeKey,
			skipSeen:  skipSeen,
			workers:   workers,
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <target> <snapshot-key>",
	Short: "Write the records of a collection or table to a JSON snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		filterText, _ := cmd.Flags().GetString("filter")
		appendMode, _ := cmd.Flags().GetBool("append")
		filter, err := parseFilter(filterText)
		if err != nil {
			return err
		}
		return runExport(cmd.Context(), current, from, args[0], args[1], filter, appendMode)
	},
}

var dropCmd = &cobra.Command{
	Use:   "drop <target>",
	Short: "Drop a collection or table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		return runDrop(cmd.Context(), current, from, args[0])
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a read-only SQL statement and print the rows as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := current.relationalStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.RawQuery(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	},
}

var torRotateCmd = &cobra.Command{
	Use:   "tor-rotate",
	Short: "Ask the local Tor daemon for a new identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tor.Rotate(cmd.Context(), current.cfg.Tor, current.logger)
	},
}

var errNotConfigured = errors.New("section missing from config")

func (a *app) documentStore(ctx context.Context) (*crawlerkit.DocumentStore, error) {
	if a.cfg.Mongo == nil {
		return nil, fmt.Errorf("mongo: %w", errNotConfigured)
	}
	store, err := crawlerkit.NewDocumentStore(ctx, *a.cfg.Mongo, a.logger.Named("mongo"))
	if err != nil {
		return nil, err
	}
	store.SetMetrics(a.metrics)
	store.SetObserver(a.observer())
	return store, nil
}

func (a *app) relationalStore() (*crawlerkit.RelationalStore, error) {
	if a.cfg.SQL == nil {
		return nil, fmt.Errorf("sql: %w", errNotConfigured)
	}
	store, err := crawlerkit.NewRelationalStore(a.cfg.SQL.SQLConfig, a.logger.Named("sql"))
	if err != nil {
		return nil, err
	}
	store.SetMetrics(a.metrics)
	store.SetObserver(a.observer())
	return store, nil
}

func (a *app) searchIndex() (*crawlerkit.SearchIndex, error) {
	if a.cfg.Solr == nil {
		return nil, fmt.Errorf("solr: %w", errNotConfigured)
	}
	index, err := crawlerkit.NewSearchIndex(*a.cfg.Solr, a.logger.Named("solr"))
	if err != nil {
		return nil, err
	}
	index.SetMetrics(a.metrics)
	index.SetObserver(a.observer())
	return index, nil
}

func (a *app) snapshot(ctx context.Context) (*crawlerkit.Snapshot, error) {
	cfg := a.cfg.snapshotConfig()
	backend, err := crawlerkit.OpenSnapshotBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	snap := crawlerkit.NewSnapshot(backend, a.logger.Named("snapshot"))
	snap.SetEscapeNonASCII(cfg.EscapeNonASCII)

	// crawlers sharing Redis also share snapshot locks
	if a.cfg.Redis != nil {
		lock, client := a.cfg.Redis.NewSnapshotLock()
		a.closers = append(a.closers, func() { _ = client.Close() })
		snap.SetLocker(lock)
	}
	return snap, nil
}

// seenSet prefers the configured Redis set and falls back to memory.
func (a *app) seenSet() (crawlerkit.SeenSet, func()) {
	if a.cfg.Redis == nil {
		return crawlerkit.NewMemorySeenSet(), func() {}
	}
	set, client := a.cfg.Redis.NewSeenSet()
	set.SetMetrics(a.metrics)
	return set, func() { _ = client.Close() }
}

func runPing(ctx context.Context, a *app) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tSTATUS")
	failed := false
	report := func(name string, ok bool, detail error) {
		status := "ok"
		if !ok {
			failed = true
			status = "unreachable"
			if detail != nil {
				status += ": " + detail.Error()
			}
		}
		fmt.Fprintf(w, "%s\t%s\n", name, status)
	}

	if a.cfg.Mongo != nil {
		store, err := a.documentStore(ctx)
		if err != nil {
			report("mongo", false, err)
		} else {
			report("mongo", store.CheckConnection(ctx), nil)
			_ = store.Close(ctx)
		}
	}
	if a.cfg.SQL != nil {
		store, err := a.relationalStore()
		if err != nil {
			report("sql", false, err)
		} else {
			report("sql", store.CheckConnection(ctx), nil)
			_ = store.Close()
		}
	}
	if a.cfg.Solr != nil {
		index, err := a.searchIndex()
		if err != nil {
			report("solr", false, err)
		} else {
			report("solr", index.CheckConnection(ctx), nil)
		}
	}
	if snap, err := a.snapshot(ctx); err != nil {
		report("snapshot", false, err)
	} else {
		err := snap.Backend().Ping(ctx)
		report("snapshot", err == nil, err)
		_ = snap.Backend().Close()
	}
	if a.cfg.Redis != nil {
		_, client := a.cfg.Redis.NewSeenSet()
		err := client.Ping(ctx).Err()
		report("redis", err == nil, err)
		_ = client.Close()
	}

	if err := w.Flush(); err != nil {
		return err
	}
	if failed {
		return errors.New("one or more backends are unreachable")
	}
	return nil
}

type importOptions struct {
	key       string
	to        string
	target    string
	dedupeKey string
	skipSeen  bool
	workers   int
}

func runImport(ctx context.Context, a *app, opts importOptions) error {
	snap, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	records, err := snap.ReadJSON(ctx, opts.key)
	if err != nil {
		return err
	}

	if opts.skipSeen {
		set, closeSet := a.seenSet()
		defer closeSet()
		total := len(records)
		records, err = crawlerkit.FilterUnseen(ctx, set, records)
		if err != nil {
			return err
		}
		a.logger.Info("skipped records seen before", "skipped", total-len(records), "remaining", len(records))
	}

	var report crawlerkit.BulkReport
	switch opts.to {
	case "mongo":
		if opts.target == "" {
			return errors.New("--target is required for mongo")
		}
		store, err := a.documentStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close(ctx)
		store.SetWorkers(opts.workers)
		if opts.dedupeKey != "" {
			report, err = store.Upsert(ctx, opts.target, records, opts.dedupeKey)
		} else {
			report, err = store.Create(ctx, opts.target, records)
		}
		if err != nil {
			return err
		}
	case "sql":
		if opts.target == "" {
			return errors.New("--target is required for sql")
		}
		store, err := a.relationalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Register(a.cfg.schema()); err != nil {
			return err
		}
		batch := crawlerkit.NewBatchWriter(store, opts.target, crawlerkit.DefaultBatchSize)
		for _, rec := range records {
			if err := batch.Add(ctx, rec); err != nil {
				return err
			}
		}
		if err := batch.Flush(ctx); err != nil {
			return err
		}
		report = batch.Report()
	case "solr":
		index, err := a.searchIndex()
		if err != nil {
			return err
		}
		if err := index.Create(ctx, records); err != nil {
			return err
		}
		report = crawlerkit.BulkReport{Operation: "create", Target: a.cfg.Solr.String(), Total: len(records), Success: len(records)}
	default:
		return fmt.Errorf("unknown destination %q", opts.to)
	}

	fmt.Println(report.Summary())
	return nil
}

func runExport(ctx context.Context, a *app, from, target, key string, filter crawlerkit.Filter, appendMode bool) error {
	var records []crawlerkit.Record
	switch from {
	case "mongo":
		store, err := a.documentStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close(ctx)
		records, err = store.Retrieve(ctx, target, filter, crawlerkit.RetrieveAll)
		if err != nil {
			return err
		}
	case "sql":
		store, err := a.relationalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Register(a.cfg.schema()); err != nil {
			return err
		}
		records, err = store.Retrieve(ctx, target, filter)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown source %q", from)
	}

	snap, err := a.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := snap.WriteJSON(ctx, key, records, appendMode); err != nil {
		return err
	}
	fmt.Printf("exported %d records from %s to %s\n", len(records), target, key)
	return nil
}

func runDrop(ctx context.Context, a *app, from, target string) error {
	var dropped bool
	switch from {
	case "mongo":
		store, err := a.documentStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close(ctx)
		dropped = store.DropTarget(ctx, target)
	case "sql":
		store, err := a.relationalStore()
		if err != nil {
			return err
		}
		defer store.Close()
		dropped = store.DropTable(ctx, target)
	default:
		return fmt.Errorf("unknown store %q", from)
	}
	if !dropped {
		return fmt.Errorf("%s was not dropped", target)
	}
	fmt.Printf("dropped %s\n", target)
	return nil
}

// parseFilter reads "a=1,b=x,b=y": scalars become equality, repeated
// fields become set membership. Integers and booleans are typed.
func parseFilter(text string) (crawlerkit.Filter, error) {
	values := map[string][]interface{}{}
	var order []string
	for _, pair := range strings.Split(text, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		field, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(field) == "" {
			return crawlerkit.Filter{}, fmt.Errorf("invalid filter clause %q, want field=value", pair)
		}
		field = strings.TrimSpace(field)
		if _, seen := values[field]; !seen {
			order = append(order, field)
		}
		values[field] = append(values[field], typedValue(strings.TrimSpace(value)))
	}

	m := make(map[string]interface{}, len(order))
	for _, field := range order {
		if vs := values[field]; len(vs) == 1 {
			m[field] = vs[0]
		} else {
			m[field] = vs
		}
	}
	return crawlerkit.FilterFromMap(m), nil
}

func typedValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
