package digitalocean

import (
	"context"
	"errors"

	"github.com/digitalocean/godo"
)

// AppsService defines the App Platform operations used by the driver.
type AppsService interface {
	List(ctx context.Context, opts *godo.ListOptions) ([]*godo.App, *godo.Response, error)
	Get(ctx context.Context, appID string) (*godo.App, *godo.Response, error)
	Create(ctx context.Context, create *godo.AppCreateRequest) (*godo.App, *godo.Response, error)
	Update(ctx context.Context, appID string, update *godo.AppUpdateRequest) (*godo.App, *godo.Response, error)
	Delete(ctx context.Context, appID string) (*godo.Response, error)
}

// RegistryService defines the container registry operations used by the
// driver. DigitalOcean allows one registry per account, so Get and Delete
// take no name.
type RegistryService interface {
	Get(ctx context.Context) (*godo.Registry, *godo.Response, error)
	Create(ctx context.Context, create *godo.RegistryCreateRequest) (*godo.Registry, *godo.Response, error)
	Delete(ctx context.Context) (*godo.Response, error)
}

// AccountService defines the account operations used by the driver.
type AccountService interface {
	Get(ctx context.Context) (*godo.Account, *godo.Response, error)
}

// isNotFound reports whether err is a DigitalOcean API 404.
func isNotFound(err error) bool {
	var errResp *godo.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode == 404
	}
	return false
}
