/*
Copyright 2024 Blnk Finance Authors.

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
	"net/http"

	"github.com/blnkfinance/bankfeed"
	"github.com/blnkfinance/bankfeed/config"
	redis_db "github.com/blnkfinance/bankfeed/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processSync runs a queued sync inside a worker span.
func (b *bankfeedInstance) processSync(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("bankfeed.sync.worker").Start(ctx, "Process Sync From Redis Queue")
	defer span.End()
	return b.bankfeed.ProcessSyncTask(ctx, t)
}

func (b *bankfeedInstance) processEvent(ctx context.Context, t *asynq.Task) error {
	return b.bankfeed.ProcessEventDelivery(ctx, t)
}

// initializeQueues weights sync work above outbound event delivery.
func initializeQueues(conf *config.Configuration) map[string]int {
	return map[string]int{
		conf.Queue.SyncQueue:  3,
		conf.Queue.EventQueue: 1,
	}
}

func redisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	opt, err := redisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: conf.Queue.NumberOfWorkers,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithFields(logrus.Fields{
				"task":      task.Type(),
				"retried":   retried,
				"max_retry": maxRetry,
			}).WithError(err).Warn("task failed")
		}),
	}), nil
}

func initializeTaskHandlers(b *bankfeedInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(bankfeed.TaskSyncAccount, b.processSync)
	mux.HandleFunc(bankfeed.TaskEventDelivery, b.processEvent)
}

// workerCommands defines the "workers" command that drains the sync and
// event queues.
func workerCommands(b *bankfeedInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start bankfeed workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := b.cnf

			phClient, shutdown, err := initializeObservability(ctx, conf, "worker")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()
			if phClient != nil {
				defer phClient.Close()
			}
			defer b.bankfeed.Close()

			srv, err := initializeWorkerServer(conf, initializeQueues(conf))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			opt, _ := redisClientOpt(conf)
			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})

			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
