package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/config"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/httpapi"
	"github.com/oarkflow/searchd/ingest"
	"github.com/oarkflow/searchd/metrics"
	"github.com/oarkflow/searchd/rpc"
	"github.com/oarkflow/searchd/search"
	"github.com/oarkflow/searchd/utils"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON settings file")
	flag.Parse()

	logger := logrus.New()
	settings, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("load settings")
	}
	level, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	log := logger.WithField("node", settings.NodeName)

	if err := run(settings, log); err != nil {
		log.WithError(err).Fatal("searchd exited")
	}
}

func run(settings config.Settings, log logrus.FieldLogger) error {
	met := metrics.New()

	store, err := engine.NewStore(settings.Path, log)
	if err != nil {
		return err
	}
	cat := catalog.New(store, log, catalog.WithDrainTimeout(settings.DrainTimeout()))

	generation := utils.NewGeneration()
	var (
		dir     cluster.Directory
		tracker *cluster.Tracker
	)
	if settings.Cluster.Enabled {
		gossip, err := cluster.NewGossipDirectory(cluster.GossipConfig{
			NodeName: settings.NodeName,
			BindAddr: settings.Cluster.BindAddr,
			BindPort: settings.Cluster.BindPort,
			Join:     settings.Cluster.Join,
		}, log)
		if err != nil {
			return err
		}
		dir = gossip
	} else {
		dir = cluster.NewStaticDirectory(cluster.NodeID{
			Name:       settings.NodeName,
			Addr:       settings.HTTPAddr(),
			Generation: generation,
		})
	}
	tracker = cluster.NewTracker(dir, cat, cluster.TrackerConfig{
		PollInterval: settings.Cluster.PollInterval(),
		SuspectAfter: settings.Cluster.SuspectAfter,
		DepartGrace:  settings.Cluster.DepartGrace(),
	}, log, cluster.WithTrackerMetrics(met))
	cat.SetPublisher(tracker)

	// Advertise as joining before reopening local indexes, so peers never
	// route to an index this node cannot serve yet.
	joinCtx, cancelJoin := context.WithTimeout(context.Background(), 30*time.Second)
	err = tracker.Join(joinCtx, cluster.Metadata{
		Generation: generation,
		RPCAddr:    settings.RPCAddr(),
	})
	cancelJoin()
	if err != nil {
		return err
	}
	if err := cat.Bootstrap(); err != nil {
		return err
	}
	tracker.Start()
	log.WithField("indexes", cat.LocalNames()).Info("catalog bootstrapped")

	client := rpc.NewClient(tracker, rpc.ClientConfig{}, log)
	pipeline := ingest.NewPipeline(cat, ingest.Config{
		MaxBatchOps:         settings.Ingest.MaxBatchOps,
		MaxBatchDelay:       settings.Ingest.BatchDelay(),
		MaxInFlight:         settings.Ingest.MaxInFlight,
		MaxInFlightPerIndex: settings.Ingest.MaxInFlightPerIndex,
		Blocking:            settings.Ingest.Blocking,
	}, log, ingest.WithForwarder(client), ingest.WithMetrics(met))
	router := search.NewRouter(cat, search.Config{
		TargetTimeout: settings.Query.TargetTimeout(),
		GlobalTimeout: settings.Query.GlobalTimeout(),
	}, log, search.WithRemote(client), search.WithMetrics(met))

	rpcServer, err := rpc.NewServer(settings.RPCAddr(), settings.NodeName, cat, pipeline, log)
	if err != nil {
		return err
	}
	log.WithField("addr", rpcServer.Addr()).Info("rpc server listening")

	stopWatcher := make(chan struct{})
	if d := settings.AutoCommit(); d > 0 {
		go commitWatcher(cat, d, log, stopWatcher)
	}

	api := httpapi.NewServer(cat, pipeline, router, log,
		httpapi.WithTracker(tracker), httpapi.WithMetrics(met))
	httpServer := api.ListenAndServe(settings.HTTPAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")

	// Leave the cluster first so peers stop routing here, then stop taking
	// work, then flush what is already in flight.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := tracker.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("cluster deregister")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	pipeline.Close()
	close(stopWatcher)
	if err := rpcServer.Close(); err != nil {
		log.WithError(err).Warn("rpc shutdown")
	}
	client.Close()
	if err := cat.Close(); err != nil {
		log.WithError(err).Warn("catalog close")
	}
	if err := dir.Close(); err != nil {
		log.WithError(err).Warn("directory close")
	}
	log.Info("shutdown complete")
	return nil
}

// commitWatcher periodically commits every local index so staged writes
// become durable even when producers never hit a batch boundary.
func commitWatcher(cat *catalog.Catalog, every time.Duration, log logrus.FieldLogger, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, name := range cat.LocalNames() {
				entry := cat.Resolve(name)
				if entry.Local == nil {
					continue
				}
				if err := entry.Local.Commit(); err != nil {
					log.WithError(err).WithField("index", name).Warn("auto commit")
				}
			}
		}
	}
}
