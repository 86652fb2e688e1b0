package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/sony/gobreaker"

	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/orchestrator"
)

const azureProbeName = "azure"

// requiredContainers holds the blob containers the host application
// archives reports and rate tables into.
var requiredContainers = []string{
	"budget-reports",
	"rate-schedules",
}

// blobService abstracts the service.Client methods used by the client so
// that tests can inject a fake without reaching Azure.
type blobService interface {
	CreateContainer(ctx context.Context, containerName string, options *service.CreateContainerOptions) (service.CreateContainerResponse, error)
	GetProperties(ctx context.Context, options *service.GetPropertiesOptions) (service.GetPropertiesResponse, error)
}

// AzureClient ensures the host application's blob containers exist on
// the configured storage account. Credentials come from the ambient
// Azure credential chain.
type AzureClient struct {
	cfg     config.AzureConfig
	cb      *gobreaker.CircuitBreaker
	connect func(cfg config.AzureConfig) (blobService, error)
}

// NewAzureClient creates an AzureClient. Nothing is dialed at
// construction time.
func NewAzureClient(cfg config.AzureConfig, cb *gobreaker.CircuitBreaker) *AzureClient {
	return &AzureClient{
		cfg:     cfg,
		cb:      cb,
		connect: realBlobService,
	}
}

// Initialize creates every required container, treating "already exists"
// as success so repeated startups stay idempotent.
func (c *AzureClient) Initialize(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		svc, err := c.connect(c.cfg)
		if err != nil {
			return nil, err
		}

		for _, name := range requiredContainers {
			_, err := svc.CreateContainer(ctx, name, nil)
			if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("creating container %s: %w", name, err)
			}
		}
		return nil, nil
	})
	return err
}

// Probe checks the storage account is reachable by reading the blob
// service properties.
func (c *AzureClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		svc, err := c.connect(c.cfg)
		if err != nil {
			return nil, err
		}
		if _, err := svc.GetProperties(ctx, nil); err != nil {
			return nil, fmt.Errorf("service properties: %w", err)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{
			Name:      azureProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      azureProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// realBlobService builds a service client for the configured account
// using DefaultAzureCredential.
func realBlobService(cfg config.AzureConfig) (blobService, error) {
	if cfg.AccountURL == "" {
		return nil, errors.New("azure account URL not configured")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("building azure credential: %w", err)
	}
	client, err := service.NewClient(cfg.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("building blob service client: %w", err)
	}
	return client, nil
}
