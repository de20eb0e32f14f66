// teleportal is the collaborative document server: it terminates
// WebSocket and long-poll clients, keeps per-document sessions in sync
// through storage and the replication plane, and serves the milestone
// and file RPC methods.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/teleportal-dev/teleportal/auth"
	"github.com/teleportal-dev/teleportal/replicator"
	"github.com/teleportal-dev/teleportal/rpc"
	"github.com/teleportal-dev/teleportal/server"
	"github.com/teleportal-dev/teleportal/storage"
	"github.com/teleportal-dev/teleportal/storage/sqlitestore"
	"github.com/teleportal-dev/teleportal/transport"
	"github.com/teleportal-dev/teleportal/upload"
)

// Config is the top-level configuration object of a teleportal server.
var Config = new(struct {
	Serve struct {
		Listen string `long:"listen" env:"LISTEN" default:":8080" description:"Address to listen on"`
		NodeID string `long:"node-id" env:"NODE_ID" description:"Replication node id; a random id is assigned if empty"`
	} `group:"Serve" namespace:"serve" env-namespace:"SERVE"`

	Storage struct {
		Driver    string `long:"driver" env:"DRIVER" default:"memory" choice:"memory" choice:"sqlite" description:"Document storage driver"`
		Path      string `long:"path" env:"PATH" default:"teleportal.db" description:"SQLite database path"`
		KeyPrefix string `long:"key-prefix" env:"KEY_PREFIX" default:"teleportal" description:"Key prefix within the database"`
	} `group:"Storage" namespace:"storage" env-namespace:"STORAGE"`

	Uploads struct {
		Dir    string        `long:"dir" env:"DIR" description:"Spill directory for in-flight uploads; in-memory if empty"`
		Expiry time.Duration `long:"expiry" env:"EXPIRY" default:"24h" description:"Idle time before an upload is deleted"`
		Sweep  time.Duration `long:"sweep" env:"SWEEP" default:"1h" description:"Interval between expiry sweeps"`
	} `group:"Uploads" namespace:"uploads" env-namespace:"UPLOADS"`

	Auth struct {
		Secret string `long:"secret" env:"SECRET" description:"HS256 token secret; auth is disabled if empty"`
		Issuer string `long:"issuer" env:"ISSUER" default:"teleportal" description:"Required token issuer"`
	} `group:"Auth" namespace:"auth" env-namespace:"AUTH"`

	Session struct {
		DedupeTTL  time.Duration `long:"dedupe-ttl" env:"DEDUPE_TTL" default:"30s" description:"How long applied message ids are remembered"`
		DedupeSize int           `long:"dedupe-size" env:"DEDUPE_SIZE" default:"1024" description:"How many message ids are remembered per session"`
	} `group:"Session" namespace:"session" env-namespace:"SESSION"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	initLog()
	log.WithField("config", Config).Info("teleportal configuration")

	var milestones, files, factory, closeStorage = buildStorage()
	defer closeStorage()

	var uploads = buildUploads()
	var sweeper = upload.NewManager(uploads, Config.Uploads.Expiry, Config.Uploads.Sweep)
	sweeper.Start()
	defer sweeper.Stop()

	var plane = rpc.NewPlane(rpc.PlaneConfig{
		Milestones: milestones,
		Files:      files,
		Uploads:    uploads,
	})

	var verifier *auth.Verifier
	var checker server.PermissionChecker
	if Config.Auth.Secret != "" {
		verifier = &auth.Verifier{Secret: []byte(Config.Auth.Secret), Issuer: Config.Auth.Issuer}
		checker = server.ClaimsChecker()
	} else {
		log.Warn("--auth.secret is empty; token verification is disabled")
	}

	var srv = server.New(server.Config{
		Storage:         factory,
		Replicator:      replicator.NewMemory(replicator.NewBus(), Config.Serve.NodeID),
		CheckPermission: checker,
		Files:           plane,
		RPC:             plane,
		DedupeTTL:       Config.Session.DedupeTTL,
		DedupeSize:      Config.Session.DedupeSize,
	})
	plane.Bind(srv)
	defer srv.Close()

	var router = mux.NewRouter()
	router.Handle("/ws", transport.NewWSHandler(srv, verifier))
	var poll = transport.NewLongPollHandler(srv, verifier)
	poll.Register(router)
	defer poll.Stop()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var httpServer = &http.Server{
		Addr:    Config.Serve.Listen,
		Handler: router,
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signalCh
		log.WithField("signal", sig).Info("caught signal, shutting down")
		_ = httpServer.Close()
	}()

	log.WithField("listen", Config.Serve.Listen).Info("serving teleportal")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func initLog() {
	if Config.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(Config.Log.Level); err == nil {
		log.SetLevel(level)
	}
}

// buildStorage returns the milestone and file stores, the per-document
// store factory, and a close function for the backing database.
func buildStorage() (storage.MilestoneStore, storage.FileStore, storage.Factory, func()) {
	switch Config.Storage.Driver {
	case "sqlite":
		var db, err = sqlitestore.Open(Config.Storage.Path, Config.Storage.KeyPrefix)
		mustSucceed(err, "opening sqlite database")

		var milestones = sqlitestore.NewMilestones(db)
		var files = sqlitestore.NewFiles(db)
		var factory = func(docID string, encrypted bool) (storage.Store, error) {
			var store *sqlitestore.Store
			if encrypted {
				store = sqlitestore.NewEncryptedStore(db)
			} else {
				store = sqlitestore.NewStore(db, storage.OpLog{})
			}
			store.AttachMilestones(milestones)
			store.AttachFiles(files)
			return store, nil
		}
		return milestones, files, factory, func() { _ = db.Close() }

	default:
		var milestones = storage.NewMemoryMilestones()
		var files = storage.NewMemoryFiles()
		var factory = func(docID string, encrypted bool) (storage.Store, error) {
			if encrypted {
				return storage.NewEncryptedMemory(
					storage.WithEncryptedMilestones(milestones),
					storage.WithEncryptedFiles(files),
				), nil
			}
			return storage.NewMemory(storage.OpLog{},
				storage.WithMilestones(milestones),
				storage.WithFiles(files),
			), nil
		}
		return milestones, files, factory, func() {}
	}
}

func buildUploads() upload.TemporaryStorage {
	if Config.Uploads.Dir == "" {
		return upload.NewMemoryStorage()
	}
	var uploads, err = upload.NewDiskStorage(Config.Uploads.Dir)
	mustSucceed(err, "opening upload spill directory")
	return uploads
}

func mustSucceed(err error, message string) {
	if err != nil {
		log.WithField("err", err).Fatal(message)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	var _, err = parser.AddCommand("serve", "Serve the teleportal server",
		"Serve the collaborative document server until signaled to exit.", &cmdServe{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if _, err = parser.Parse(); err != nil {
		os.Exit(1)
	}
}
