package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/invisible-tech/tiered-ids/internal/config"
	"github.com/invisible-tech/tiered-ids/internal/types"
	"github.com/invisible-tech/tiered-ids/internal/version"
	"github.com/invisible-tech/tiered-ids/pkg/collector"
	"github.com/invisible-tech/tiered-ids/pkg/handoff"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadDotEnv(); err != nil {
		log.WithError(err).Warn("Failed to load .env file")
	}
	level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	cfg := config.DefaultCollectorConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	log.WithFields(logrus.Fields{
		"version":   version.Version,
		"agent_id":  cfg.AgentID,
		"namespace": cfg.Namespace,
		"handoff":   cfg.Handoff.Mode,
	}).Info("Starting IDS log collector")

	restCfg, err := kubeConfig(cfg.Kubeconfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to load Kubernetes config")
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create Kubernetes client")
	}

	var nc *nats.Conn
	if cfg.Handoff.Mode == config.HandoffNATS {
		nc, err = handoff.Connect(cfg.Handoff.NATSURL, "ids-collector-"+cfg.AgentID, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer nc.Drain()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	execer := &collector.PodExecer{Config: restCfg, Client: client, Namespace: cfg.Namespace}
	var (
		wg    sync.WaitGroup
		sinks []collector.Sink
	)
	for _, name := range cfg.Domains {
		domain, err := types.ParseDomain(name)
		if err != nil {
			log.WithError(err).Fatal("Invalid COLLECT_DOMAINS entry")
		}
		pods, err := collector.DiscoverPods(ctx, client, cfg.Namespace, podPrefix(cfg, domain))
		if err != nil {
			log.WithError(err).WithField("domain", domain).Error("Failed to discover pods")
			continue
		}
		if len(pods) == 0 {
			log.WithField("domain", domain).Warn("No running pods found")
			continue
		}

		sink, err := newSink(cfg, domain, nc)
		if err != nil {
			log.WithError(err).WithField("domain", domain).Fatal("Failed to open line sink")
		}
		sinks = append(sinks, sink)

		for _, pod := range pods {
			var src collector.Source
			if domain == types.DomainDB {
				src = &collector.ExecTailSource{
					Execer:          execer,
					Pod:             pod.Name,
					Password:        cfg.DBPassword,
					ResolveInterval: cfg.ResolveInterval,
					Log:             log,
				}
			} else {
				src = &collector.PodLogSource{Client: client, Namespace: cfg.Namespace, Pod: pod.Name}
			}
			c, err := collector.New(collector.Config{Domain: domain, Source: src, Sink: sink}, log)
			if err != nil {
				log.WithError(err).Fatal("Failed to create collector")
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.Supervise(ctx, cfg.RestartDelay)
			}()
			log.WithFields(logrus.Fields{"domain": domain, "pod": pod.Name}).Info("Collector started")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("All collectors stopped")
	case <-time.After(30 * time.Second):
		log.Warn("Shutdown timeout, some collectors may not have stopped cleanly")
	}
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("Failed to close sink")
		}
	}
	log.Info("Collector shutdown complete")
}

func kubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	return rest.InClusterConfig()
}

func podPrefix(cfg config.CollectorConfig, domain types.Domain) string {
	switch domain {
	case types.DomainDB:
		return cfg.DBPodPrefix
	case types.DomainEmail:
		return cfg.EmailPodPrefix
	}
	return cfg.WebPodPrefix
}

// newSink opens the domain's hand-off sink. The database file starts empty
// so stale queries from an earlier run are not analyzed again.
func newSink(cfg config.CollectorConfig, domain types.Domain, nc *nats.Conn) (collector.Sink, error) {
	if cfg.Handoff.Mode == config.HandoffNATS {
		return handoff.NewLineSink(nc, domain, cfg.AgentID), nil
	}
	return collector.OpenFileSink(cfg.Handoff.LogFile(string(domain)), domain == types.DomainDB)
}
