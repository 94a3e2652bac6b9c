// Package di provides the dependency injection container that wires the sync agent.
package di

import (
	"context"
	"database/sql"
	"os"
	"sync"

	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/observability"
	"fieldsync/internal/remote"
	"fieldsync/internal/services"
	"fieldsync/internal/store"
	contextutils "fieldsync/internal/utils"
	"fieldsync/internal/worker"

	"go.uber.org/multierr"
)

// Service names registered in the container
const (
	ServiceResponses   = "responses"
	ServiceSubmissions = "submissions"
	ServiceSyncQueue   = "sync_queue"
	ServiceSession     = "session"
	ServiceFileUploads = "file_uploads"
	ServiceRemote      = "remote"
	ServiceWorker      = "worker"
)

// ServiceContainerInterface defines the interface for service containers
type ServiceContainerInterface interface {
	GetService(name string) (interface{}, error)
	GetResponseService() (*services.ResponseService, error)
	GetSubmissionService() (*services.SubmissionService, error)
	GetSyncQueueService() (*services.SyncQueueService, error)
	GetSessionService() (*services.SessionService, error)
	GetFileUploadService() (*services.FileUploadService, error)
	GetRemoteClient() (*remote.Client, error)
	GetWorker() (*worker.Worker, error)
	GetDatabase() *sql.DB
	GetConfig() *config.Config
	GetLogger() *observability.Logger
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ServiceContainer manages all service dependencies and lifecycle
type ServiceContainer struct {
	cfg           *config.Config
	logger        *observability.Logger
	metrics       *observability.SyncMetrics
	dbManager     *database.Manager
	db            *sql.DB
	services      map[string]interface{}
	mu            sync.RWMutex
	shutdownFuncs []func(context.Context) error
}

// NewServiceContainer creates a new dependency injection container. metrics may be nil.
func NewServiceContainer(cfg *config.Config, metrics *observability.SyncMetrics, logger *observability.Logger) *ServiceContainer {
	return &ServiceContainer{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		services: make(map[string]interface{}),
	}
}

// Initialize opens the local store and wires every agent service
func (sc *ServiceContainer) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.dbManager = database.NewManager(sc.logger)
	db, err := sc.dbManager.OpenLocal(sc.cfg.Database)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to initialize database")
	}
	sc.db = db
	sc.shutdownFuncs = append(sc.shutdownFuncs, func(_ context.Context) error {
		return db.Close()
	})

	if err := sc.initializeServices(ctx); err != nil {
		_ = sc.cleanup(ctx)
		return contextutils.WrapErrorf(err, "failed to initialize services")
	}
	return nil
}

// initializeServices builds the dependency graph. The worker exists before the
// submission service because submissions trigger it.
func (sc *ServiceContainer) initializeServices(ctx context.Context) error {
	s := store.New(sc.db, sc.logger)

	session := services.NewSessionService(sc.logger)
	sc.services[ServiceSession] = session

	queue := services.NewSyncQueueService(s, sc.cfg.Sync.MaxAttempts, sc.logger)
	sc.services[ServiceSyncQueue] = queue

	responses := services.NewResponseService(s, sc.cfg.Sync.DegradedThreshold, sc.metrics, sc.logger)
	sc.services[ServiceResponses] = responses

	client := remote.NewClient(sc.cfg.Sync, sc.cfg.Auth.DeviceToken, session, sc.logger)
	sc.services[ServiceRemote] = client

	uploads := services.NewFileUploadService(s, client, sc.logger)
	sc.services[ServiceFileUploads] = uploads

	w := worker.NewWorker(queue, responses, uploads, client, sc.cfg.Sync, workerInstance(), sc.metrics, sc.logger)
	sc.services[ServiceWorker] = w
	sc.shutdownFuncs = append(sc.shutdownFuncs, w.Shutdown)

	sc.services[ServiceSubmissions] = services.NewSubmissionService(s, w, sc.logger)

	if err := sc.metrics.RegisterQueueDepth(queue.QueueDepth); err != nil {
		return contextutils.WrapErrorf(err, "failed to register queue depth gauges")
	}

	sc.logger.Info(ctx, "Agent services initialized", map[string]interface{}{
		"services":        len(sc.services),
		"remote_base_url": sc.cfg.Sync.RemoteBaseURL,
	})
	return nil
}

func workerInstance() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agent"
}

// GetService retrieves a service by name
func (sc *ServiceContainer) GetService(name string) (interface{}, error) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	service, exists := sc.services[name]
	if !exists {
		return nil, contextutils.ErrorWithContextf("service %s not found", name)
	}
	return service, nil
}

// GetServiceAs performs type-safe service retrieval
func GetServiceAs[T any](sc *ServiceContainer, name string) (T, error) {
	var zero T
	service, err := sc.GetService(name)
	if err != nil {
		return zero, err
	}

	typed, ok := service.(T)
	if !ok {
		return zero, contextutils.ErrorWithContextf("service %s is not of expected type %T", name, zero)
	}
	return typed, nil
}

// GetResponseService returns the response lifecycle manager
func (sc *ServiceContainer) GetResponseService() (*services.ResponseService, error) {
	return GetServiceAs[*services.ResponseService](sc, ServiceResponses)
}

// GetSubmissionService returns the two-phase submission service
func (sc *ServiceContainer) GetSubmissionService() (*services.SubmissionService, error) {
	return GetServiceAs[*services.SubmissionService](sc, ServiceSubmissions)
}

// GetSyncQueueService returns the sync queue
func (sc *ServiceContainer) GetSyncQueueService() (*services.SyncQueueService, error) {
	return GetServiceAs[*services.SyncQueueService](sc, ServiceSyncQueue)
}

// GetSessionService returns the session event sink
func (sc *ServiceContainer) GetSessionService() (*services.SessionService, error) {
	return GetServiceAs[*services.SessionService](sc, ServiceSession)
}

// GetFileUploadService returns the file upload collaborator
func (sc *ServiceContainer) GetFileUploadService() (*services.FileUploadService, error) {
	return GetServiceAs[*services.FileUploadService](sc, ServiceFileUploads)
}

// GetRemoteClient returns the ingest client
func (sc *ServiceContainer) GetRemoteClient() (*remote.Client, error) {
	return GetServiceAs[*remote.Client](sc, ServiceRemote)
}

// GetWorker returns the sync orchestrator
func (sc *ServiceContainer) GetWorker() (*worker.Worker, error) {
	return GetServiceAs[*worker.Worker](sc, ServiceWorker)
}

// GetDatabase returns the local store connection
func (sc *ServiceContainer) GetDatabase() *sql.DB {
	return sc.db
}

// GetConfig returns the configuration
func (sc *ServiceContainer) GetConfig() *config.Config {
	return sc.cfg
}

// GetLogger returns the logger
func (sc *ServiceContainer) GetLogger() *observability.Logger {
	return sc.logger
}

// Shutdown stops the worker and closes the local store
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.cleanup(ctx)
}

// cleanup runs the shutdown functions in reverse order of registration
func (sc *ServiceContainer) cleanup(ctx context.Context) error {
	var errs error
	for i := len(sc.shutdownFuncs) - 1; i >= 0; i-- {
		if err := sc.shutdownFuncs[i](ctx); err != nil {
			sc.logger.Error(ctx, "Shutdown step failed", err, map[string]interface{}{"step": i})
			errs = multierr.Append(errs, err)
		}
	}
	sc.shutdownFuncs = nil
	return errs
}
