package grpcservice

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ark-network/escrowd/internal/config"
	interfaces "github.com/ark-network/escrowd/internal/interface"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpchealth "google.golang.org/grpc/health/grpc_health_v1"
)

const metricsPath = "/metrics"

type service struct {
	config     Config
	appConfig  *config.Config
	server     *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	conn       *grpc.ClientConn
}

func NewService(
	svcConfig Config, appConfig *config.Config,
) (interfaces.Service, error) {
	if err := svcConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %s", err)
	}
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app config: %s", err)
	}

	return &service{config: svcConfig, appConfig: appConfig}, nil
}

func (s *service) Start() error {
	if err := s.newServer(); err != nil {
		return err
	}

	appSvc, err := s.appConfig.AppService()
	if err != nil {
		return err
	}
	if err := appSvc.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to start app service: %s", err)
	}
	log.Info("started app service")

	// nolint:all
	go s.server.ListenAndServe()
	log.Infof("started listening at %s", s.config.address())

	s.health.SetServingStatus("", grpchealth.HealthCheckResponse_SERVING)
	return nil
}

func (s *service) Stop() {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.server != nil {
		//nolint:all
		s.server.Shutdown(context.Background())
		log.Info("stopped grpc server")
	}
	if s.conn != nil {
		//nolint:all
		s.conn.Close()
	}

	appSvc, _ := s.appConfig.AppService()
	if appSvc != nil && appSvc.IsConnected() {
		if err := appSvc.Disconnect(context.Background()); err != nil {
			log.WithError(err).Warn("failed to stop app service")
		} else {
			log.Info("stopped app service")
		}
	}
	s.appConfig.Close()
}

func (s *service) newServer() error {
	grpcServer := grpc.NewServer(grpc.Creds(insecure.NewCredentials()))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpchealth.HealthCheckResponse_NOT_SERVING)
	grpchealth.RegisterHealthServer(grpcServer, healthServer)

	conn, err := grpc.NewClient(
		s.config.gatewayAddress(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return err
	}

	// Reverse proxy grpc-gateway, only exposing /healthz.
	gwmux := runtime.NewServeMux(
		runtime.WithHealthzEndpoint(grpchealth.NewHealthClient(conn)),
	)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(
		s.appConfig.MetricsRegistry(), promhttp.HandlerOpts{},
	))
	mux.Handle("/", gwmux)

	s.grpcServer = grpcServer
	s.health = healthServer
	s.conn = conn
	s.server = &http.Server{
		Addr:    s.config.address(),
		Handler: h2c.NewHandler(router(grpcServer, mux), &http2.Server{}),
	}
	return nil
}

func router(
	grpcServer *grpc.Server, httpHandler http.Handler,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isHttpRequest(r) {
			httpHandler.ServeHTTP(w, r)
			return
		}
		grpcServer.ServeHTTP(w, r)
	})
}

func isHttpRequest(req *http.Request) bool {
	return req.Method == http.MethodGet ||
		strings.Contains(req.Header.Get("Content-Type"), "application/json")
}
