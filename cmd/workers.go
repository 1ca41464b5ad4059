/*
Copyright 2025 Pulse Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/pulsehq/pulse"
	"github.com/pulsehq/pulse/config"
	redlock "github.com/pulsehq/pulse/internal/lock"
	redis_db "github.com/pulsehq/pulse/internal/redis-db"
	"github.com/pulsehq/pulse/model"

	"github.com/hibiken/asynq"
)

// sweepLockTTL caps how long a worker may hold the sweep lock. A crashed
// worker's lock expires instead of blocking sweeps forever.
const sweepLockTTL = 2 * time.Minute

func initializeQueues() map[string]int {
	queues := make(map[string]int)
	queues[pulse.WEBHOOK_QUEUE] = 3
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(pulse.WEBHOOK_QUEUE, pulse.ProcessWebhook)
}

// runSweep demotes expired statuses and purges records past retention. It is
// guarded by a Redis lock so only one worker instance sweeps per interval; a
// worker that loses the race just skips its turn.
func (p *pulseInstance) runSweep(ctx context.Context, locker *redlock.Locker) {
	ctx, span := otel.Tracer("pulse.sweeper.worker").Start(ctx, "Run Status Sweep")
	defer span.End()

	if err := locker.Lock(ctx, sweepLockTTL); err != nil {
		logrus.Infof("Sweep skipped: %v", err)
		return
	}
	defer func() {
		if err := locker.Unlock(ctx); err != nil {
			logrus.Errorf("Failed to release sweep lock: %v", err)
		}
	}()

	expired, err := p.pulse.SweepExpiredStatuses(ctx)
	if err != nil {
		logrus.Errorf("Expiration sweep failed: %v", err)
	} else if expired > 0 {
		log.Println(" [*] Expired statuses demoted", expired)
	}

	removed, err := p.pulse.SweepRetention(ctx)
	if err != nil {
		logrus.Errorf("Retention sweep failed: %v", err)
	} else if removed > 0 {
		log.Println(" [*] Retained statuses purged", removed)
	}
}

// startSweeper runs the sweep on the configured interval until the context
// is cancelled.
func (p *pulseInstance) startSweeper(ctx context.Context, redisClient *redis_db.Redis) {
	interval := time.Duration(p.cnf.Sweeper.IntervalSec) * time.Second
	locker := redlock.NewSweepLocker(redisClient.Client(), model.GenerateUUIDWithSuffix("worker"))

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runSweep(ctx, locker)
			}
		}
	}()
}

// workerCommands returns the `workers` command: the webhook queue consumer
// plus the periodic expiration and retention sweeps.
func workerCommands(p *pulseInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start pulse workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(mux)

			redisClient, err := redis_db.NewRedisClient([]string{conf.Redis.Dns})
			if err != nil {
				log.Fatal("Error connecting to Redis:", err)
			}
			p.startSweeper(ctx, redisClient)

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
