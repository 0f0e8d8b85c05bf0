package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-sentinel/internal/ai"
	"github.com/technosupport/ts-sentinel/internal/config"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/incident"
	"github.com/technosupport/ts-sentinel/internal/monitor"
	"github.com/technosupport/ts-sentinel/internal/recognition"
	"github.com/technosupport/ts-sentinel/internal/snapshot"
	"github.com/technosupport/ts-sentinel/internal/topology"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("[Main] db open: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[Main] db ping: %v", err)
	}

	// Redis (optional: empty addr runs single-instance)
	var cache *snapshot.DistributedCache
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		cache = snapshot.NewDistributedCache(rdb, cfg.FaceProfileCache.DistributedTtl, cfg.FaceProfileCache.LockTtl)
		log.Printf("[Main] distributed snapshot cache enabled (%s)", cfg.Redis.Addr)
	} else {
		log.Printf("[Main] REDIS_ADDR empty, running without distributed snapshot cache")
	}

	// NATS (optional: empty URL degrades incident fan-out to logs)
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Printf("[Main] [WARN] NATS connect failed, incident fan-out disabled: %v", err)
			nc = nil
		}
	}

	// Snapshot pipeline
	store := snapshot.NewStore()
	profiles := data.ProfileModel{DB: db}
	refresher := snapshot.NewRefresher(store, cache, profiles, snapshot.RefresherConfig{
		Interval:             cfg.FaceProfileCache.RefreshInterval,
		JitterPercent:        cfg.FaceProfileCache.JitterPercent,
		RefreshTimeout:       cfg.FaceProfileCache.RefreshTimeout,
		MaxStaleness:         cfg.FaceProfileCache.MaxStaleness,
		PreferRedisOnStartup: cfg.FaceProfileCache.PreferRedisOnStartup,
		AllowEmergencyDB:     cfg.FaceProfileCache.AllowEmergencyDbRefreshIfStale,
	})
	go refresher.Run(ctx)

	// Recognition pipeline
	cameras := data.CameraModel{DB: db}
	resolver := recognition.NewPolicyResolver(cameras, cfg.FaceRecognition.SimilarityThreshold, 1024, 30*time.Second)
	enroller := recognition.NewAutoEnroller(recognition.AutoEnrollConfig{
		MinInterval:             cfg.FaceRecognition.AutoEnrollment.MinIntervalBetweenEnroll,
		MaxEmbeddingsPerProfile: cfg.FaceRecognition.AutoEnrollment.MaxEmbeddingsPerProfile,
		MinVariationDistance:    cfg.FaceRecognition.AutoEnrollment.MinVariationDistance,
		QueueSize:               cfg.FaceRecognition.AutoEnrollment.QueueSize,
	}, profiles, store)
	go enroller.Run(ctx)

	aiClient := ai.NewWSClient(cfg.AIService.BaseURL, cfg.AIService.Token,
		cfg.AIService.DialTimeout, cfg.AIService.CallTimeout)
	recognizer := recognition.NewService(store, resolver, aiClient, enroller,
		cfg.FaceRecognition.MinEmbeddingLength)

	// Incidents
	severities := incident.NewSeverityTable(cfg.Incidents.SeverityTablePath)
	severities.Watch(ctx)
	publisher := incident.NewPublisher(nc, 3)
	incidents := incident.NewManager(data.IncidentModel{DB: db}, severities, publisher, cfg.Incidents.IdempotencyCacheSize)

	// Topology
	topo := topology.NewService(topology.Config{SameZoneIsNeighbor: cfg.Topology.SameZoneIsNeighbor}, data.TopologyModel{DB: db})
	if err := topo.ReloadFromStore(ctx); err != nil {
		log.Printf("[Main] [WARN] topology load: %v", err)
	}

	// Camera supervision. Matches raise deduplicated incidents through a
	// bounded dispatcher so a slow insert never stalls frames.
	dispatcher := monitor.NewMatchDispatcher(matchHandler(incidents, topo), 256, 5*time.Second)
	go dispatcher.Run(ctx)
	supervisor := monitor.NewSupervisor(monitor.Config{
		MaxRetryAttempts: cfg.CameraSupervisor.MaxRetryAttempts,
		BaseRetryDelay:   cfg.CameraSupervisor.BaseRetryDelay,
		MaxRetryDelay:    cfg.CameraSupervisor.MaxRetryDelay,
		StopTimeout:      cfg.CameraSupervisor.StopTimeout,
	}, aiClient, recognizer, dispatcher.Hook())

	autostartCameras(ctx, cameras, supervisor)

	// Ops listener
	srv := &http.Server{
		Addr:    cfg.Service.OpsListen,
		Handler: opsRouter(db, store, cameras, supervisor, topo),
	}
	go func() {
		log.Printf("[Main] ops listener on %s", cfg.Service.OpsListen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] ops listener: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[Main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] [WARN] ops listener shutdown: %v", err)
	}
	supervisor.Shutdown(shutdownCtx)
	if nc != nil {
		nc.Flush()
		nc.Close()
	}
	log.Printf("[Main] bye")
}

// autostartCameras brings up monitoring for every active Face-capable camera.
func autostartCameras(ctx context.Context, cameras data.CameraModel, supervisor *monitor.Supervisor) {
	cams, err := cameras.ListActive(ctx)
	if err != nil {
		log.Printf("[Main] [WARN] camera autostart skipped: %v", err)
		return
	}
	started := 0
	for _, cam := range cams {
		if supervisor.Start(cam.ID, cam.StreamURL) {
			started++
		}
	}
	log.Printf("[Main] camera autostart: %d of %d sessions started", started, len(cams))
}

// matchHandler turns positive matches into deduplicated incidents. Duplicates
// inside the dedupe window are the normal case for a person standing in
// front of a camera and are not logged as errors.
func matchHandler(incidents *incident.Manager, topo *topology.Service) monitor.MatchHandler {
	return func(ctx context.Context, ev monitor.MatchEvent) {
		location := "camera:" + strconv.FormatInt(ev.CameraID, 10)
		if zone, ok := topo.ZoneOf(ev.CameraID); ok {
			location = "zone:" + strconv.FormatInt(zone, 10)
		}

		_, err := incidents.Create(ctx, incident.Draft{
			Title: fmt.Sprintf("Face match on camera %d", ev.CameraID),
			Description: fmt.Sprintf("Matched %s (similarity %.3f, frame %d)",
				ev.Result.DisplayName, ev.Result.Similarity, ev.FrameID),
			Type:     incident.TypeFaceMatch,
			Source:   data.SourceCamera,
			Location: &location,
		})
		if err != nil && err != incident.ErrDuplicateIncident {
			log.Printf("[Main] [WARN] incident for camera %d: %v", ev.CameraID, err)
		}
	}
}

func opsRouter(db *sql.DB, store *snapshot.Store, cameras data.CameraModel, supervisor *monitor.Supervisor, topo *topology.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		if len(store.Current()) == 0 {
			http.Error(w, "snapshot not loaded", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/monitor/sessions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, supervisor.ActiveSessions())
		})
		// Manual restart path for cameras that exhausted their retries.
		r.Post("/monitor/cameras/{id}/start", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				http.Error(w, "bad camera id", http.StatusBadRequest)
				return
			}
			cam, err := cameras.GetByID(req.Context(), id)
			if err != nil {
				http.Error(w, "camera not found", http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]bool{"started": supervisor.Start(cam.ID, cam.StreamURL)})
		})
		r.Post("/monitor/cameras/{id}/stop", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				http.Error(w, "bad camera id", http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]bool{"stopped": supervisor.Stop(id)})
		})
		r.Get("/snapshot/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, store.Stats())
		})
		r.Post("/snapshot/refresh", func(w http.ResponseWriter, _ *http.Request) {
			store.RequestRefresh()
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/topology/cameras/{id}/neighbors", func(w http.ResponseWriter, req *http.Request) {
			id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
			if err != nil {
				http.Error(w, "bad camera id", http.StatusBadRequest)
				return
			}
			writeJSON(w, topo.Neighbors(id))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Ops] [WARN] write response: %v", err)
	}
}
