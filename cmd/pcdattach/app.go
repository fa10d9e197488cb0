package main

import (
	"fmt"
	"log/slog"

	"pcdattach/internal/blobstore"
	"pcdattach/internal/config"
	"pcdattach/internal/reconcile"
	"pcdattach/internal/service"
	"pcdattach/internal/store"
)

// app holds the wired components one command invocation needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	blobs   *blobstore.LocalStore
	service *service.AttachmentService
}

func openApp(cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	driver, target := cfg.StoreTarget()
	if target == "" {
		if driver == "postgres" {
			return nil, fmt.Errorf("db_dsn is required when db_driver is postgres")
		}
		return nil, fmt.Errorf("db path is required")
	}
	if cfg.BlobRoot == "" {
		return nil, fmt.Errorf("blob_root is required")
	}

	slog.Debug("opening database", "driver", driver)
	st, err := store.OpenDriver(driver, target)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	blobs, err := blobstore.NewLocal(cfg.BlobRoot)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	slog.Debug("opened blob store", "root", blobs.Root())

	svc := service.NewAttachmentService(st, blobs, slog.Default())
	svc.ConfigurePolicy(service.Policy{
		MaxUploadBytes:    cfg.Attachments.MaxUploadBytes,
		AllowedMediaTypes: cfg.Attachments.AllowedMediaTypes,
		AllowedExtensions: cfg.Attachments.AllowedExtensions,
	})

	return &app{cfg: cfg, store: st, blobs: blobs, service: svc}, nil
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.store, a.blobs, a.service, reconcile.OptionsFromConfig(a.cfg.Reconcile), slog.Default())
}

func (a *app) Close() error {
	if a == nil {
		return nil
	}
	return a.store.Close()
}

// withApp opens the app for the duration of fn.
func withApp(cfg *config.Config, fn func(*app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
