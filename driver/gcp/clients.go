package gcp

import (
	"context"
	"encoding/base64"
	"errors"

	artifactregistry "google.golang.org/api/artifactregistry/v1"
	"google.golang.org/api/googleapi"
	run "google.golang.org/api/run/v2"
	secretmanager "google.golang.org/api/secretmanager/v1"
)

// runAPI defines the Cloud Run Admin operations used by the driver.
type runAPI interface {
	GetService(ctx context.Context, name string) (*run.GoogleCloudRunV2Service, error)
	CreateService(ctx context.Context, parent, serviceID string, svc *run.GoogleCloudRunV2Service) error
	UpdateService(ctx context.Context, name string, svc *run.GoogleCloudRunV2Service) error
	DeleteService(ctx context.Context, name string) error
}

// secretAPI defines the Secret Manager operations used by the driver.
type secretAPI interface {
	GetSecret(ctx context.Context, name string) error
	CreateSecret(ctx context.Context, parent, secretID string) (secretName string, err error)
	AddSecretVersion(ctx context.Context, secretName string, value []byte) error
	DeleteSecret(ctx context.Context, name string) error
}

// registryAPI defines the Artifact Registry operations used by the driver.
type registryAPI interface {
	GetRepository(ctx context.Context, name string) error
	CreateRepository(ctx context.Context, parent, repositoryID string) error
}

// isNotFound reports whether err is a Google API 404.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}

// realRunAPI wraps *run.Service to satisfy runAPI.
type realRunAPI struct{ svc *run.Service }

func (r *realRunAPI) GetService(ctx context.Context, name string) (*run.GoogleCloudRunV2Service, error) {
	return r.svc.Projects.Locations.Services.Get(name).Context(ctx).Do()
}

func (r *realRunAPI) CreateService(ctx context.Context, parent, serviceID string, svc *run.GoogleCloudRunV2Service) error {
	_, err := r.svc.Projects.Locations.Services.Create(parent, svc).ServiceId(serviceID).Context(ctx).Do()
	return err
}

func (r *realRunAPI) UpdateService(ctx context.Context, name string, svc *run.GoogleCloudRunV2Service) error {
	_, err := r.svc.Projects.Locations.Services.Patch(name, svc).Context(ctx).Do()
	return err
}

func (r *realRunAPI) DeleteService(ctx context.Context, name string) error {
	_, err := r.svc.Projects.Locations.Services.Delete(name).Context(ctx).Do()
	return err
}

// realSecretAPI wraps *secretmanager.Service to satisfy secretAPI.
type realSecretAPI struct{ svc *secretmanager.Service }

func (r *realSecretAPI) GetSecret(ctx context.Context, name string) error {
	_, err := r.svc.Projects.Secrets.Get(name).Context(ctx).Do()
	return err
}

func (r *realSecretAPI) CreateSecret(ctx context.Context, parent, secretID string) (string, error) {
	secret := &secretmanager.Secret{
		Replication: &secretmanager.Replication{Automatic: &secretmanager.Automatic{}},
	}
	created, err := r.svc.Projects.Secrets.Create(parent, secret).SecretId(secretID).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return created.Name, nil
}

func (r *realSecretAPI) AddSecretVersion(ctx context.Context, secretName string, value []byte) error {
	req := &secretmanager.AddSecretVersionRequest{
		Payload: &secretmanager.SecretPayload{Data: base64.StdEncoding.EncodeToString(value)},
	}
	_, err := r.svc.Projects.Secrets.AddVersion(secretName, req).Context(ctx).Do()
	return err
}

func (r *realSecretAPI) DeleteSecret(ctx context.Context, name string) error {
	_, err := r.svc.Projects.Secrets.Delete(name).Context(ctx).Do()
	return err
}

// realRegistryAPI wraps *artifactregistry.Service to satisfy registryAPI.
type realRegistryAPI struct{ svc *artifactregistry.Service }

func (r *realRegistryAPI) GetRepository(ctx context.Context, name string) error {
	_, err := r.svc.Projects.Locations.Repositories.Get(name).Context(ctx).Do()
	return err
}

func (r *realRegistryAPI) CreateRepository(ctx context.Context, parent, repositoryID string) error {
	repo := &artifactregistry.Repository{Format: "DOCKER"}
	_, err := r.svc.Projects.Locations.Repositories.Create(parent, repo).RepositoryId(repositoryID).Context(ctx).Do()
	return err
}
