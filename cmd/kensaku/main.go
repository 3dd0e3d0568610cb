// Package main is the Kensaku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/cli"
	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/extract"
	"github.com/hyperjump/kensaku/internal/fulltext"
	"github.com/hyperjump/kensaku/internal/importer"
	"github.com/hyperjump/kensaku/internal/keyword"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/search"
	"github.com/hyperjump/kensaku/internal/server"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/kensaku/config.yaml"

// errUsage means the usage text has already been printed.
var errUsage = errors.New("usage")

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// When neither exists, the defaults are used.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	c := &command{name: args[0], args: args[1:], stdout: stdout, stderr: stderr}
	var err error
	switch c.name {
	case "server":
		err = c.runServer()
	case "add":
		err = c.runAdd()
	case "read":
		err = c.runRead()
	case "update":
		err = c.runUpdate()
	case "remove":
		err = c.runRemove()
	case "find":
		err = c.runFind()
	case "import":
		err = c.runImport()
	case "clear-cache":
		err = c.runClearCache()
	case "status":
		err = c.runStatus()
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "kensaku version %s\n", version)
	case "help", "--help", "-h":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", c.name)
		printUsage(stderr)
		return 1
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%s failed: %v\n", c.name, err)
		}
		return 1
	}
	return 0
}

// command carries the state shared by the subcommands.
type command struct {
	name   string
	args   []string
	stdout io.Writer
	stderr io.Writer

	fs         *flag.FlagSet
	configPath *string
	indexName  *string
	debug      *bool
}

// flags returns a flag set with the flags every subcommand accepts.
func (c *command) flags(usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	c.configPath = fs.String("config", defaultConfigPath, "config file path")
	c.indexName = fs.String("index", "", "index name (default from config)")
	c.debug = fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kensaku %s\n\n", usage)
		fs.PrintDefaults()
	}
	c.fs = fs
	return fs
}

func (c *command) parse(args []string) error {
	if err := c.fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (c *command) usage() error {
	c.fs.Usage()
	return errUsage
}

// env is an opened configuration: logger, registry and the selected index.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *fulltext.Registry
	index    *fulltext.Index
}

func (e *env) Close() {
	if e.registry != nil {
		if err := e.registry.Close(); err != nil {
			e.logger.Warn("failed to close indexes", zap.Error(err))
		}
	}
	_ = e.logger.Sync()
}

// open loads the config and opens the selected index.
func (c *command) open(ctx context.Context, m *metrics.Metrics, watch bool) (*env, error) {
	cfg, _, err := loadConfig(*c.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Debug = cfg.Debug || *c.debug
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	registry, err := openRegistry(cfg, logger, m, watch)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, registry: registry}
	name := *c.indexName
	if name == "" {
		name = cfg.Index.DefaultName
	}
	if e.index, err = registry.Open(ctx, name); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func openRegistry(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, watch bool) (*fulltext.Registry, error) {
	backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DocumentsPath, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	indexOpts := []fulltext.Option{
		fulltext.WithKeywordOptions(keyword.Options{
			MaxCount:  cfg.Keyword.MaxCount,
			MaxLength: cfg.Keyword.MaxLength,
			MinLength: cfg.Keyword.MinLength,
		}),
		fulltext.WithCacheMemoryEntries(cfg.Cache.MemoryEntries),
		fulltext.WithInvalidateOnWrite(cfg.Cache.InvalidateOnWrite),
		fulltext.WithSearchOptions(
			search.WithPageDefaults(cfg.Search.DefaultTake, cfg.Search.MaxTake),
			search.WithDefaultStrict(cfg.Search.StrictOrDefault()),
			search.WithResolveConcurrency(cfg.Search.ResolveConcurrency),
		),
		fulltext.WithMetrics(m),
	}
	if cfg.Debug {
		indexOpts = append(indexOpts, fulltext.WithLogger(logger))
	}
	registry, err := fulltext.NewRegistry(cfg.Index.Directory, backend,
		fulltext.WithIndexOptions(indexOpts...),
		fulltext.WithRegistryLogger(logger),
		fulltext.WithCacheWatch(watch),
	)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return registry, nil
}

func (c *command) runServer() error {
	c.flags("server [flags]")
	if err := c.parse(c.args); err != nil {
		return err
	}

	cfg, resolvedConfigPath, err := loadConfig(*c.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	debugMode := cfg.Debug || *c.debug
	cfg.Debug = debugMode
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	m := metrics.New()
	registry, err := openRegistry(cfg, logger, m, cfg.Cache.WatchOrDefault())
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := registry.Start(ctx); err != nil {
		return err
	}
	if _, err := registry.Open(ctx, cfg.Index.DefaultName); err != nil {
		return err
	}

	srv := server.NewServer(registry, &cfg.Server, logger, server.WithMetrics(m))
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}

func (c *command) runAdd() error {
	c.flags("add [flags] <content...>")
	document := c.fs.String("document", "", "JSON document to store (default: {\"content\": <content>})")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	content := buildSearchQuery(c.fs.Args())
	if content == "" {
		return c.usage()
	}
	payload, err := documentPayload(*document, content)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()
	id, err := e.index.Add(ctx, content, payload)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d\n", id)
	return nil
}

// documentPayload returns doc as JSON, or wraps content when doc is empty.
func documentPayload(doc, content string) (json.RawMessage, error) {
	if doc == "" {
		return json.Marshal(map[string]string{"content": content})
	}
	if !json.Valid([]byte(doc)) {
		return nil, fulltext.ErrInvalidPayload
	}
	return json.RawMessage(doc), nil
}

// parseID parses the first positional argument as a document id.
func (c *command) parseID() (int64, error) {
	if c.fs.NArg() < 1 {
		return 0, c.usage()
	}
	id, err := strconv.ParseInt(c.fs.Arg(0), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid document id %q", c.fs.Arg(0))
	}
	return id, nil
}

func (c *command) runRead() error {
	c.flags("read [flags] <id>")
	output := c.fs.String("output", "text", "output format: text or json")
	keywords := c.fs.Bool("keywords", false, "also print the indexed keywords")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	id, err := c.parseID()
	if err != nil {
		return err
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if *keywords {
		d, err := e.index.Document(ctx, id)
		if err != nil {
			return err
		}
		if format == cli.OutputJSON {
			return cli.WriteJSON(c.stdout, d)
		}
		cli.WriteFields(c.stdout, [][2]string{{"keywords", strings.Join(d.Keywords, ", ")}})
		return cli.WriteDocument(c.stdout, id, d.Payload, format)
	}
	doc, err := e.index.Read(ctx, id)
	if err != nil {
		return err
	}
	return cli.WriteDocument(c.stdout, id, doc, format)
}

func (c *command) runUpdate() error {
	c.flags("update [flags] <id> <content...>")
	document := c.fs.String("document", "", "JSON document to store (default: {\"content\": <content>})")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	id, err := c.parseID()
	if err != nil {
		return err
	}
	content := buildSearchQuery(c.fs.Args()[1:])
	if content == "" {
		return c.usage()
	}
	payload, err := documentPayload(*document, content)
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.index.Update(ctx, id, content, payload); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Document updated: %d\n", id)
	return nil
}

func (c *command) runRemove() error {
	c.flags("remove [flags] <id>")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	id, err := c.parseID()
	if err != nil {
		return err
	}
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.index.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Document removed: %d\n", id)
	return nil
}

func (c *command) runFind() error {
	c.flags("find [flags] <query>")
	serverURL := c.fs.String("server", "", "server URL (empty = open the index directly)")
	strict := c.fs.Bool("strict", true, "require every keyword")
	alternate := c.fs.Bool("alternate", false, "match keyword prefixes (typo tolerance)")
	skip := c.fs.Int("skip", 0, "page number, starting at 0")
	take := c.fs.Int("take", 0, "page size (default from config)")
	output := c.fs.String("output", "text", "output format: text, compact, or json")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	query := buildSearchQuery(c.fs.Args())
	if query == "" {
		return c.usage()
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}
	opts := models.SearchOptions{Alternate: *alternate, Skip: *skip, Take: *take}
	if flagSet(c.fs, "strict") {
		opts.Strict = models.Bool(*strict)
	}

	var res *models.SearchResult
	if *serverURL != "" {
		name := *c.indexName
		if name == "" {
			name = "default"
		}
		res, err = findViaHTTP(*serverURL, name, query, opts)
	} else {
		ctx := context.Background()
		var e *env
		if e, err = c.open(ctx, nil, false); err != nil {
			return err
		}
		defer e.Close()
		res, err = e.index.Find(ctx, query, opts)
	}
	if err != nil {
		return err
	}
	return cli.WriteSearchResults(c.stdout, query, res, format)
}

// flagSet reports whether name was given on the command line.
func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func findViaHTTP(serverURL, index, query string, opts models.SearchOptions) (*models.SearchResult, error) {
	body, err := json.Marshal(struct {
		Query string `json:"query"`
		models.SearchOptions
	}{query, opts})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/indexes/"+index+"/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var wire struct {
		TotalCount int   `json:"total_count"`
		Cached     bool  `json:"cached"`
		QueryTime  int64 `json:"query_time_ms"`
		Page       []struct {
			ID      int64           `json:"id"`
			Payload json.RawMessage `json:"payload"`
			Error   string          `json:"error"`
		} `json:"page"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	res := &models.SearchResult{TotalCount: wire.TotalCount, Cached: wire.Cached, QueryTime: wire.QueryTime, Page: []models.Hit{}}
	for _, h := range wire.Page {
		hit := models.Hit{ID: h.ID, Payload: h.Payload}
		if h.Error != "" {
			hit.Err = errors.New(h.Error)
		}
		res.Page = append(res.Page, hit)
	}
	return res, nil
}

func (c *command) runImport() error {
	c.flags("import [flags] <file-or-directory>")
	if err := c.parse(searchArgsReorder(c.args)); err != nil {
		return err
	}
	if c.fs.NArg() < 1 {
		return c.usage()
	}
	path := c.fs.Arg(0)
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()

	im := importer.New(e.index,
		importer.WithExtensions(e.cfg.Import.Extensions),
		importer.WithExtractor(extract.NewExtractor(extract.WithMaxBytes(e.cfg.Import.MaxBytes))),
		importer.WithLogger(e.logger),
	)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		id, err := im.ImportFile(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "Imported %s as %d\n", path, id)
		return nil
	}
	sum, err := im.ImportDirectory(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Imported %d file(s) from %s, skipped %d\n", len(sum.Imported), path, len(sum.Skipped))
	for _, s := range sum.Skipped {
		fmt.Fprintf(c.stdout, "  skipped: %s\n", s)
	}
	return nil
}

func (c *command) runClearCache() error {
	c.flags("clear-cache [flags]")
	if err := c.parse(c.args); err != nil {
		return err
	}
	ctx := context.Background()
	e, err := c.open(ctx, nil, false)
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.index.ClearCache(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Cache cleared: %s\n", e.index.Name())
	return nil
}

func (c *command) runStatus() error {
	c.flags("status [flags]")
	serverURL := c.fs.String("server", "", "server URL (empty = open the index directly)")
	output := c.fs.String("output", "text", "output format: text or json")
	if err := c.parse(c.args); err != nil {
		return err
	}
	format, err := cli.ParseOutputFormat(*output)
	if err != nil {
		return err
	}

	var st *fulltext.Status
	var documentBytes *int64
	if *serverURL != "" {
		name := *c.indexName
		if name == "" {
			name = "default"
		}
		if st, err = statusViaHTTP(*serverURL, name); err != nil {
			return err
		}
	} else {
		ctx := context.Background()
		e, err := c.open(ctx, nil, false)
		if err != nil {
			return err
		}
		defer e.Close()
		if st, err = e.index.Status(ctx); err != nil {
			return err
		}
		if n, err := e.registry.DocumentBytes(); err == nil {
			documentBytes = &n
		}
	}

	if format == cli.OutputJSON {
		return cli.WriteJSON(c.stdout, struct {
			*fulltext.Status
			DocumentBytes *int64 `json:"document_bytes,omitempty"`
		}{st, documentBytes})
	}
	fields := [][2]string{
		{"index", st.Name},
		{"records", strconv.Itoa(st.Records)},
		{"documents", strconv.FormatInt(st.Documents, 10)},
		{"index_bytes", strconv.FormatInt(st.IndexBytes, 10)},
		{"cache_bytes", strconv.FormatInt(st.CacheBytes, 10)},
	}
	if documentBytes != nil {
		fields = append(fields, [2]string{"document_bytes", strconv.FormatInt(*documentBytes, 10)})
	}
	fields = append(fields,
		[2]string{"pending_mutations", strconv.Itoa(st.PendingMutations)},
		[2]string{"pending_reads", strconv.Itoa(st.PendingReads)},
		[2]string{"active_reads", strconv.Itoa(st.ActiveReads)},
		[2]string{"cache_hits", strconv.FormatInt(st.CacheHits, 10)},
		[2]string{"cache_misses", strconv.FormatInt(st.CacheMisses, 10)},
	)
	cli.WriteFields(c.stdout, fields)
	return nil
}

func statusViaHTTP(serverURL, index string) (*fulltext.Status, error) {
	resp, err := http.Get(serverURL + "/api/v1/indexes/" + index + "/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s fulltext.Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse sees them. Go's flag
// package stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `kensaku - keyword index with cached, ranked lookups

Usage:
  kensaku server [flags]                 Start the HTTP server
  kensaku add [flags] <content>          Add a document; prints its id
  kensaku read [flags] <id>              Print a stored document
  kensaku update [flags] <id> <content>  Replace a document's content and payload
  kensaku remove [flags] <id>            Remove a document
  kensaku find [flags] <query>           Find documents
  kensaku import [flags] <path>          Import a file or directory
  kensaku clear-cache [flags]            Drop cached query results
  kensaku status [flags]                 Show index status
  kensaku version                        Show version
  kensaku help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kensaku/config.yaml)
  --index string     Index name (default: index.default_name from config)
  --debug            Enable debug logging

Add/Update Flags:
  --document string  JSON document to store (default: {"content": <content>})

Read Flags:
  --keywords         Also print the indexed keywords
  --output string    Output format: text or json

Find Flags:
  --strict           Require every keyword (default from config, true)
  --alternate        Match keyword prefixes for typo tolerance
  --skip int         Page number, starting at 0
  --take int         Page size (default from config)
  --server string    Query a running server instead of opening the index
  --output string    Output format: text, compact, or json

Status Flags:
  --server string    Query a running server instead of opening the index
  --output string    Output format: text or json

Examples:
  kensaku server
  kensaku add --document '{"title":"Peter Pan"}' second star to the right
  kensaku find peter pan
  kensaku find --strict=false --take 20 peter hook
  kensaku import ~/Documents/books
  kensaku status --output json`)
}
