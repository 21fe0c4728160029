// Package main is replited's command-line entrypoint: parse flags, load
// the TOML config, and drive one of replicate/restore/info.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/replited/replited/internal/checkpoint"
	"github.com/replited/replited/internal/config"
	"github.com/replited/replited/internal/dbloop"
	"github.com/replited/replited/internal/generation"
	"github.com/replited/replited/internal/metrics"
	"github.com/replited/replited/internal/objectstore"
	"github.com/replited/replited/internal/position"
	"github.com/replited/replited/internal/replica"
	"github.com/replited/replited/internal/restore"
	"github.com/replited/replited/internal/verify"
	"github.com/replited/replited/internal/walfile"
	"github.com/replited/replited/pkg/log"
	"github.com/replited/replited/pkg/runtimeEnv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "replicate":
		runReplicate(args)
	case "restore":
		runRestore(args)
	case "info":
		runInfo(args)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: replited <replicate|restore|info> [flags]")
}

// runReplicate starts the database loop and every configured replica
// worker for each database in the config, serving until SIGINT/SIGTERM.
func runReplicate(args []string) {
	fs := flag.NewFlagSet("replicate", flag.ExitOnError)
	flagConfigFile := fs.String("config", "./replited.toml", "path to replited's TOML config")
	flagGops := fs.Bool("gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flagDebugAddr := fs.String("debug-addr", "", "if set, serve /metrics and /debug on this address")
	fs.Parse(args)

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	cfg, err := config.Load(*flagConfigFile)
	if err != nil {
		log.Fatalf("load config: %s", err.Error())
	}
	if err := log.SetLogFile(cfg.Log.Dir); err != nil {
		log.Fatalf("set log file: %s", err.Error())
	}
	log.SetLogLevel(cfg.Log.Level)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	scheduler, err := dbloop.NewRetentionScheduler()
	if err != nil {
		log.Fatalf("start retention scheduler: %s", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())

	databases := make([]*dbloop.Database, 0, len(cfg.Database))
	closers := make([]func() error, 0, len(cfg.Database))

	for _, dbCfg := range cfg.Database {
		database, closeFns, err := buildDatabase(ctx, dbCfg, m)
		if err != nil {
			log.Fatalf("configure database %s: %s", dbCfg.Db, err.Error())
		}
		if err := scheduler.Register(database); err != nil {
			log.Fatalf("schedule retention for %s: %s", dbCfg.Db, err.Error())
		}
		databases = append(databases, database)
		closers = append(closers, closeFns...)
	}

	var wg sync.WaitGroup
	for _, database := range databases {
		wg.Add(1)
		go func(d *dbloop.Database) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil {
				log.Errorf("dbloop %s: %s", d.Path, err.Error())
			}
		}(database)
	}

	var debugServer *http.Server
	if *flagDebugAddr != "" {
		debugServer = startDebugServer(*flagDebugAddr, reg)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	runtimeEnv.SystemdNotifiy(true, "running")
	<-sigs
	runtimeEnv.SystemdNotifiy(false, "shutting down")

	cancel()
	wg.Wait()

	if debugServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		debugServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err := scheduler.Shutdown(); err != nil {
		log.Warnf("shut down retention scheduler: %s", err.Error())
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warnf("close: %s", err.Error())
		}
	}

	log.Print("graceful shutdown complete")
}

// buildDatabase assembles one configured database's checkpoint
// controller, generation manager, and replica workers into a
// dbloop.Database, returning any Close funcs the caller must run on
// shutdown.
func buildDatabase(ctx context.Context, dbCfg config.Database, m *metrics.Metrics) (*dbloop.Database, []func() error, error) {
	ctrl, err := checkpoint.Open(dbCfg.Db)
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint controller: %w", err)
	}
	closers := []func() error{ctrl.Close}

	workers := make([]*replica.Worker, 0, len(dbCfg.Replicate))
	for _, storageCfg := range dbCfg.Replicate {
		store, err := objectstore.New(ctx, storageCfg)
		if err != nil {
			return nil, closers, fmt.Errorf("%s: %w", storageCfg.Type, err)
		}

		var limiter *rate.Limiter
		if storageCfg.MaxUploadBytesPerSec > 0 {
			limiter = rate.NewLimiter(rate.Limit(storageCfg.MaxUploadBytesPerSec), int(storageCfg.MaxUploadBytesPerSec))
		}

		w := replica.New(store.Name()+":"+storageCfg.Bucket+storageCfg.Root, dbCfg.Db, walfile.MetaDir(dbCfg.Db), store, limiter)
		w.Metrics = m
		workers = append(workers, w)
	}

	database := &dbloop.Database{
		Path:    dbCfg.Db,
		MetaDir: walfile.MetaDir(dbCfg.Db),
		Policy: checkpoint.Policy{
			MinCheckpointPages: dbCfg.MinCheckpointPageNumber,
			MaxCheckpointPages: dbCfg.MaxCheckpointPageNumber,
			TruncatePages:      dbCfg.TruncatePageNumber,
			CheckpointInterval: time.Duration(dbCfg.CheckpointIntervalSecs) * time.Second,
		},
		Ckpt:          ctrl,
		Gen:           generation.New(dbCfg.Db),
		Replicas:      workers,
		Metrics:       m,
		RetentionDays: dbCfg.RetentionDays,
	}

	return database, closers, nil
}

// startDebugServer serves /metrics behind the usual compress/recovery/
// logging middleware chain.
func startDebugServer(addr string, reg *prometheus.Registry) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Use(handlers.CompressHandler)
	r.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))
	handler := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Debugf("%s %s (%d, %.02fkb, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, float32(params.Size)/1024,
			time.Since(params.TimeStamp).Milliseconds())
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen on %s: %s", addr, err.Error())
	}

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("debug server: %s", err.Error())
		}
	}()
	log.Infof("debug server listening at %s", addr)
	return server
}

// runRestore restores a database from whichever configured replica holds
// the newest valid generation, or the one requested via flags.
func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	flagConfigFile := fs.String("config", "./replited.toml", "path to replited's TOML config")
	flagDb := fs.String("db", "", "db path as it appears in the config's [[database]] entries")
	flagOutput := fs.String("output", "", "path to write the restored database to")
	flagGeneration := fs.String("generation", "", "restrict restore to this generation id")
	flagReplica := fs.String("replica", "", "restrict restore to this replica")
	flagOverwrite := fs.Bool("overwrite", false, "overwrite an existing output file")
	fs.Parse(args)

	if *flagDb == "" || *flagOutput == "" {
		log.Fatal("restore: --db and --output are required")
	}

	cfg, err := config.Load(*flagConfigFile)
	if err != nil {
		log.Fatalf("load config: %s", err.Error())
	}

	dbCfg, ok := findDatabase(cfg, *flagDb)
	if !ok {
		log.Fatalf("restore: no [[database]] entry with db = %q", *flagDb)
	}

	ctx := context.Background()
	sources := make([]restore.Source, 0, len(dbCfg.Replicate))
	for _, storageCfg := range dbCfg.Replicate {
		store, err := objectstore.New(ctx, storageCfg)
		if err != nil {
			log.Fatalf("restore: %s: %s", storageCfg.Type, err.Error())
		}
		sources = append(sources, restore.Source{Name: store.Name() + ":" + storageCfg.Bucket + storageCfg.Root, Store: store})
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	err = restore.Restore(ctx, sources, restore.Options{
		DbPath:      dbCfg.Db,
		Output:      *flagOutput,
		Generation:  *flagGeneration,
		ReplicaName: *flagReplica,
		Overwrite:   *flagOverwrite,
		Metrics:     m,
	})
	if err != nil {
		log.Fatalf("restore: %s", err.Error())
	}
}

func findDatabase(cfg *config.Config, db string) (config.Database, bool) {
	for _, d := range cfg.Database {
		if d.Db == db {
			return d, true
		}
	}
	return config.Database{}, false
}

// runInfo prints the current generation, shadow index/size, and per-replica
// cursor lag for one configured database: a read-only diagnostic with no
// side effects on the live WAL or any replica's uploaded state.
func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	flagConfigFile := fs.String("config", "./replited.toml", "path to replited's TOML config")
	flagDb := fs.String("db", "", "db path as it appears in the config's [[database]] entries")
	fs.Parse(args)

	if *flagDb == "" {
		log.Fatal("info: --db is required")
	}

	cfg, err := config.Load(*flagConfigFile)
	if err != nil {
		log.Fatalf("load config: %s", err.Error())
	}

	dbCfg, ok := findDatabase(cfg, *flagDb)
	if !ok {
		log.Fatalf("info: no [[database]] entry with db = %q", *flagDb)
	}

	metaDir := walfile.MetaDir(dbCfg.Db)
	gen := generation.New(dbCfg.Db)
	current, err := gen.Current()
	if err != nil {
		log.Fatalf("info: read current generation: %s", err.Error())
	}
	if current == "" {
		fmt.Printf("db: %s\nno generation yet\n", dbCfg.Db)
		return
	}

	info, err := verify.Verify(dbCfg.Db, metaDir, current, latestShadowIndex(metaDir, current))
	if err != nil {
		log.Fatalf("info: verify: %s", err.Error())
	}

	shadowStat, statErr := os.Stat(info.ShadowWalFile)
	shadowSize := int64(0)
	if statErr == nil {
		shadowSize = shadowStat.Size()
	}

	fmt.Printf("db: %s\n", dbCfg.Db)
	fmt.Printf("generation: %s\n", current)
	fmt.Printf("shadow index: %08x\n", info.Index)
	fmt.Printf("shadow size: %d bytes\n", shadowSize)

	ctx := context.Background()
	for _, storageCfg := range dbCfg.Replicate {
		store, err := objectstore.New(ctx, storageCfg)
		if err != nil {
			fmt.Printf("replica %s: error: %s\n", storageCfg.Type, err.Error())
			continue
		}
		lag, err := replicaLag(ctx, store, dbCfg.Db, current, info)
		if err != nil {
			fmt.Printf("replica %s: error: %s\n", store.Name(), err.Error())
			continue
		}
		fmt.Printf("replica %s: lag %d bytes\n", store.Name(), lag)
	}
}

// latestShadowIndex scans a generation's shadow directory for its
// highest-numbered index file, the same "knownIndex" verify.Verify expects
// a live dbloop.Database to already be tracking in memory.
func latestShadowIndex(metaDir, gen string) uint32 {
	entries, err := os.ReadDir(walfile.ShadowWalDir(metaDir, gen))
	if err != nil {
		return 0
	}
	var best uint32
	for _, e := range entries {
		idx, err := walfile.ParseWalPath(e.Name())
		if err != nil {
			continue
		}
		if idx > best {
			best = idx
		}
	}
	return best
}

// replicaLag finds a replica's newest uploaded position for gen (from its
// remote WAL segment objects, since info is a separate process from any
// running replica.Worker) and reports the byte gap to the database's
// current shadow-end position. With no segments, or a newest segment at a
// different index, the whole shadow-end offset is reported as lag.
func replicaLag(ctx context.Context, store objectstore.ObjectStore, dbPath, gen string, info *verify.SyncInfo) (int64, error) {
	dbEnd := position.Position{Generation: gen, Index: info.Index, Offset: info.ShadowWalSize}

	segEntries, err := store.List(ctx, walfile.RemoteWalDir(dbPath, gen)+"/")
	if err != nil {
		return 0, fmt.Errorf("list wal segments: %w", err)
	}

	var bestIndex, bestOffset uint32
	found := false
	for _, e := range segEntries {
		idx, off, err := walfile.ParseSegmentPath(e.Key)
		if err != nil {
			continue
		}
		if !found || idx > bestIndex || (idx == bestIndex && off > bestOffset) {
			bestIndex, bestOffset, found = idx, off, true
		}
	}
	if !found {
		return dbEnd.Offset, nil
	}

	compressed, err := store.Read(ctx, walfile.RemoteWalSegmentKey(dbPath, gen, bestIndex, bestOffset))
	if err != nil {
		return 0, fmt.Errorf("read last segment: %w", err)
	}
	decompressed, err := objectstore.Decompress(compressed)
	if err != nil {
		return 0, fmt.Errorf("decompress last segment: %w", err)
	}

	uploaded := position.Position{Generation: gen, Index: bestIndex, Offset: int64(bestOffset) + int64(len(decompressed))}
	if uploaded.Index != dbEnd.Index {
		return dbEnd.Offset, nil
	}
	return dbEnd.Offset - uploaded.Offset, nil
}
