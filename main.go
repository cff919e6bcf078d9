// Copyright OpenNode
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opennode/waldur-openstack-sub000/internal/backend"
	"github.com/opennode/waldur-openstack-sub000/internal/conf"
	"github.com/opennode/waldur-openstack-sub000/internal/db"
	"github.com/opennode/waldur-openstack-sub000/internal/models"
	"github.com/opennode/waldur-openstack-sub000/internal/monitoring"
	"github.com/opennode/waldur-openstack-sub000/internal/mqtt"
	"github.com/opennode/waldur-openstack-sub000/internal/operations"
	"github.com/opennode/waldur-openstack-sub000/internal/recon"
	"github.com/opennode/waldur-openstack-sub000/internal/scheduler"
	"github.com/opennode/waldur-openstack-sub000/internal/session"
	"github.com/opennode/waldur-openstack-sub000/internal/store"
	"github.com/opennode/waldur-openstack-sub000/internal/tasks"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--version" {
		fmt.Printf("%s version %s", "orchestrator", "0.0.1")
		os.Exit(0)
	}

	config := conf.NewConfig()
	config.GetLoggingConfig().SetDefaultLogger()
	if err := config.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := monitoring.NewRegistry(config.GetMonitoringConfig())

	database := db.NewPostgresDB(config.GetDBConfig(), db.NewDBMonitor(registry))
	defer database.Close()
	st := store.New(database)
	if err := st.Init(); err != nil {
		slog.Error("failed to initialize the store", "error", err)
		os.Exit(1)
	}

	sessions := session.NewCache(database, config.GetSessionConfig(), session.NewSessionMonitor(registry))
	if err := sessions.Init(); err != nil {
		slog.Error("failed to initialize the session cache", "error", err)
		os.Exit(1)
	}

	mqttClient := mqtt.NewClient(config.GetMQTTConfig())
	if err := mqttClient.Connect(); err != nil {
		slog.Error("failed to connect to the mqtt broker", "error", err)
		os.Exit(1)
	}
	defer mqttClient.Disconnect()

	keystone := config.GetKeystoneConfig()
	backendMon := backend.NewBackendMonitor(registry)
	newBackend := func(tenant *models.Tenant) backend.TenantBackend {
		return backend.New(tenant, keystone, sessions, backendMon)
	}
	adminBackend := backend.NewAdmin(keystone, sessions, backendMon)

	exec := tasks.NewExecutor(tasks.NewTaskMonitor(registry))
	reconciler := &recon.Reconciler{
		Store:      st,
		Mon:        recon.NewReconMonitor(registry),
		MqttClient: mqttClient,
		NewBackend: newBackend,
	}
	ops := &operations.Service{
		Store:        st,
		Exec:         exec,
		Polls:        config.GetPollConfig(),
		MqttClient:   mqttClient,
		NewBackend:   newBackend,
		AdminBackend: adminBackend,
		Recon:        reconciler,
	}
	sched := &scheduler.Scheduler{
		Store:        st,
		Recon:        reconciler,
		Ops:          ops,
		AdminBackend: adminBackend,
		Conf:         config.GetReconConfig(),
	}
	go sched.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", config.GetMonitoringConfig().Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down the http server", "error", err)
		}
		// Let in-flight operation graphs settle their rows.
		exec.Drain()
	}()

	slog.Info("listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
}
