package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tarunvenkatesh/settleops/internal/api"
	"github.com/tarunvenkatesh/settleops/internal/config"
	"github.com/tarunvenkatesh/settleops/internal/middleware"
	"github.com/tarunvenkatesh/settleops/internal/service"
	"github.com/tarunvenkatesh/settleops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()

	deposits := service.NewDepositService(db.Db, logger)
	payments := service.NewPaymentService(db.Db, logger)
	handler := api.NewHandler(db, deposits, payments)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/balances/{id}/deposit", handler.RequireAccount(handler.DepositHandler)).Methods("POST")
	apiV1.HandleFunc("/work/{id}/pay", handler.RequireAccount(handler.PayWorkHandler)).Methods("POST")
	apiV1.HandleFunc("/work/unpaid", handler.RequireAccount(handler.GetUnpaidWorkHandler)).Methods("GET")
	apiV1.HandleFunc("/agreements", handler.RequireAccount(handler.GetAgreementsHandler)).Methods("GET")
	apiV1.HandleFunc("/agreements/{id}", handler.RequireAccount(handler.GetAgreementHandler)).Methods("GET")
	apiV1.HandleFunc("/admin/best-category", handler.RequireAdmin(handler.BestCategoryHandler)).Methods("GET")
	apiV1.HandleFunc("/admin/top-payers", handler.RequireAdmin(handler.TopPayersHandler)).Methods("GET")

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.RequestID(r),
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
