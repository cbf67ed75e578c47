// Package main provides the odbscope CLI.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"odbscope/internal/app"
	"odbscope/internal/blobs"
	"odbscope/internal/config"
	"odbscope/internal/inspect"
	"odbscope/internal/logging"
	"odbscope/internal/oid"
	"odbscope/internal/reconcile"
	"odbscope/internal/report"
	"odbscope/internal/storage"
)

var Version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:     "odbscope",
	Short:   "odbscope - read-only inspector for ZODB databases",
	Long:    `odbscope indexes the references between the objects of a RelStorage SQLite database and answers questions about them: what an object is, who references it, whether it is reachable from the root, and which blob files on disk no longer belong to a live object.`,
	Version: Version,

	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

var describeCmd = &cobra.Command{
	Use:   "describe <oid>",
	Short: "Show an object with its references and path from the root",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

var refsCmd = &cobra.Command{
	Use:   "refs <oid>",
	Short: "List the objects an object references",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefs,
}

var reachableCmd = &cobra.Command{
	Use:   "reachable <oid>",
	Short: "Check whether an object is reachable from the roots",
	Args:  cobra.ExactArgs(1),
	RunE:  runReachable,
}

var pathCmd = &cobra.Command{
	Use:   "path <from> <to>",
	Short: "Show the shortest reference chain between two objects",
	Args:  cobra.ExactArgs(2),
	RunE:  runPath,
}

var danglingCmd = &cobra.Command{
	Use:   "dangling",
	Short: "List references to objects that do not exist",
	Args:  cobra.NoArgs,
	RunE:  runDangling,
}

var blobsCmd = &cobra.Command{
	Use:   "blobs",
	Short: "Classify blob files as live, orphaned or malformed",
	Args:  cobra.NoArgs,
	RunE:  runBlobs,
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions [start] [count]",
	Short: "List objects grouped by the transaction that last wrote them",
	Long: `List objects grouped by the transaction that last wrote them, newest first.

Transactions are numbered from 0 (the most recent); the selection is
transactions[start:start+count].`,
	Args: cobra.MaximumNArgs(2),
	RunE: runTransactions,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show object, reference and reachability counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// Global flags
var (
	configPath  string
	dbPath      string
	blobDir     string
	rootFlags   []string
	logLevel    string
	noCache     bool
	refreshFlag bool
	jsonFlag    bool
)

// Command flags
var (
	describeNoPaths bool
	refsIncoming    bool
	blobsHash       bool
	blobsVerdict    string
	blobsLayout     string
)

// Set up by setup before any command runs.
var (
	cfg     *config.Config
	logger  *slog.Logger
	printer *report.Printer
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ./"+config.DefaultFile+" if present)")
	pf.StringVar(&dbPath, "db", "", "RelStorage SQLite database file")
	pf.StringVar(&blobDir, "blobs", "", "Blob directory")
	pf.StringArrayVar(&rootFlags, "root", nil, "Extra root oid (repeatable)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&noCache, "no-cache", false, "Do not read or write the reference index cache")
	pf.BoolVar(&refreshFlag, "refresh", false, "Rebuild the reference index even if a cache entry exists")
	pf.BoolVar(&jsonFlag, "json", false, "Output as JSON")

	describeCmd.Flags().BoolVar(&describeNoPaths, "no-paths", false, "Skip the OID and ID paths")
	refsCmd.Flags().BoolVar(&refsIncoming, "incoming", false, "List referrers instead of references")
	blobsCmd.Flags().BoolVar(&blobsHash, "hash", false, "Add a content fingerprint per blob")
	blobsCmd.Flags().StringVar(&blobsVerdict, "verdict", "", "Only show blobs with this verdict (live, orphaned, malformed)")
	blobsCmd.Flags().StringVar(&blobsLayout, "layout", "", "Blob layout (bushy or lawn), detected when empty")

	rootCmd.AddCommand(describeCmd, refsCmd, reachableCmd, pathCmd, danglingCmd, blobsCmd, transactionsCmd, statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database = dbPath
	}
	if flags.Changed("blobs") {
		cfg.Blobs = blobDir
	}
	if flags.Changed("root") {
		cfg.Roots = rootFlags
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("no-cache") {
		cfg.NoCache = noCache
	}
	if flags.Changed("layout") {
		cfg.Layout = blobsLayout
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger = logging.New(os.Stderr, level)

	format := report.FormatTable
	if jsonFlag {
		format = report.FormatJSON
	}
	printer = report.NewPrinter(os.Stdout, format)
	return nil
}

func openSession() (*app.Session, error) {
	roots, err := cfg.RootIDs()
	if err != nil {
		return nil, err
	}
	return app.Open(app.Options{
		Database: cfg.Database,
		Blobs:    cfg.Blobs,
		Roots:    roots,
		CacheDir: cfg.CacheDir,
		NoCache:  cfg.NoCache,
		Layout:   cfg.Layout,
		Exclude:  cfg.Exclude,
		Log:      logger,
	})
}

// openInspector opens the database and loads the reference index.
func openInspector(ctx context.Context) (*app.Session, *inspect.Inspector, error) {
	s, err := openSession()
	if err != nil {
		return nil, nil, err
	}
	var insp *inspect.Inspector
	if refreshFlag {
		insp, err = s.Refresh(ctx)
	} else {
		insp, err = s.Inspector(ctx)
	}
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, insp, nil
}

func parseOIDArg(s string) (oid.ID, error) {
	id, err := oid.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid oid argument: %w", err)
	}
	return id, nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	id, err := parseOIDArg(args[0])
	if err != nil {
		return err
	}
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := insp.Describe(id)
	if err != nil {
		return err
	}
	incoming, err := insp.Incoming(id)
	if err != nil {
		return err
	}

	var oidPath []oid.ID
	var idPath []string
	if !describeNoPaths {
		if oidPath, err = insp.OIDPath(id); err != nil {
			return err
		}
		if idPath, err = insp.IDPath(id); err != nil {
			return err
		}
	}
	return printer.Object(report.NewObject(rec, incoming, oidPath, idPath))
}

func runRefs(cmd *cobra.Command, args []string) error {
	id, err := parseOIDArg(args[0])
	if err != nil {
		return err
	}
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	var ids []oid.ID
	if refsIncoming {
		ids, err = insp.Incoming(id)
	} else {
		ids, err = insp.Outgoing(id)
	}
	if err != nil {
		return err
	}
	return printer.IDs(ids, insp.Describe)
}

func runReachable(cmd *cobra.Command, args []string) error {
	id, err := parseOIDArg(args[0])
	if err != nil {
		return err
	}
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	roots, err := s.Roots(cmd.Context())
	if err != nil {
		return err
	}

	reachable := insp.IsReachable(id, roots)
	var path []oid.ID
	if reachable {
		for _, r := range roots {
			if p, err := insp.FindPath(r, id); err == nil {
				path = p
				break
			}
		}
	}
	return printer.Reachability(report.NewReachability(id, roots, reachable, path))
}

func runPath(cmd *cobra.Command, args []string) error {
	from, err := parseOIDArg(args[0])
	if err != nil {
		return err
	}
	to, err := parseOIDArg(args[1])
	if err != nil {
		return err
	}
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	path, err := insp.FindPath(from, to)
	if err != nil {
		return err
	}
	return printer.Path(path)
}

func runDangling(cmd *cobra.Command, args []string) error {
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := printer.Dangling(insp.DanglingReferences())
	if err != nil {
		return err
	}
	logger.Info("dangling references", "count", n)
	return nil
}

func runBlobs(cmd *cobra.Command, args []string) error {
	var filter *reconcile.Verdict
	if blobsVerdict != "" {
		v, err := reconcile.ParseVerdict(blobsVerdict)
		if err != nil {
			return err
		}
		filter = &v
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	if refreshFlag {
		if _, err := s.Refresh(cmd.Context()); err != nil {
			return err
		}
	}

	results, err := s.Reconcile(cmd.Context())
	if err != nil {
		return err
	}

	sum := reconcile.NewSummary()
	w := printer.Blobs(blobsHash)
	for res, err := range results {
		if err != nil {
			return err
		}
		sum.Add(res)
		if filter != nil && res.Verdict != *filter {
			continue
		}

		row := report.NewBlobRow(res)
		if blobsHash {
			fp, err := blobs.Fingerprint(res.Blob.Path)
			if err != nil {
				return err
			}
			row.Fingerprint = fp
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	logger.Info("blob scan done",
		"blobs", sum.Total,
		"live", sum.Count[reconcile.Live],
		"orphaned", sum.Count[reconcile.Orphaned],
		"malformed", sum.Count[reconcile.Malformed],
		"stale", sum.Stale,
	)
	return w.Close(sum)
}

func runTransactions(cmd *cobra.Command, args []string) error {
	start, count := 0, 10
	var err error
	if len(args) > 0 {
		if start, err = strconv.Atoi(args[0]); err != nil || start < 0 {
			return fmt.Errorf("invalid start %q", args[0])
		}
	}
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil || count < 0 {
			return fmt.Errorf("invalid count %q", args[1])
		}
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	txns, err := selectTransactions(cmd.Context(), s, start, count)
	if err != nil {
		return err
	}
	return printer.Transactions(txns)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, insp, err := openInspector(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	roots, err := s.Roots(cmd.Context())
	if err != nil {
		return err
	}
	return printer.Stats(insp.Stats(roots))
}

// selectTransactions returns transactions[start:start+count], newest first.
func selectTransactions(ctx context.Context, s *app.Session, start, count int) ([]storage.Transaction, error) {
	var out []storage.Transaction
	i := 0
	for txn, err := range s.Source().Transactions(ctx) {
		if err != nil {
			return nil, err
		}
		if i >= start+count {
			break
		}
		if i >= start {
			out = append(out, txn)
		}
		i++
	}
	return out, nil
}
