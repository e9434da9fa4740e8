package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/singleflight"
)

const (
	MethodConnectionString = "connection_string"
	MethodEntra            = "entra"

	// CosmosMongoScope is the token audience of Azure Cosmos DB for MongoDB
	CosmosMongoScope = "https://ossrdbms-aad.database.windows.net/.default"

	defaultRefreshBeforeExpiry = 5 * time.Minute
)

// Scopes of other Azure services that are a common misconfiguration.
var foreignScopes = map[string]bool{
	"https://database.windows.net/.default": true, // SQL Server
	"https://vault.azure.net/.default":      true, // Key Vault
	"https://storage.azure.com/.default":    true, // Storage
	"https://cosmos.azure.com/.default":     true, // Cosmos DB data plane (NoSQL)
}

// MongoAuthConfig represents the configuration for MongoDB authentication
type MongoAuthConfig struct {
	// ConnectionURI for MongoDB connection
	ConnectionURI string

	// AuthMethod is "connection_string" (default) or "entra"
	AuthMethod string

	// TenantID for Azure Entra authentication
	TenantID string

	// ClientID of a user-assigned managed identity, optional
	ClientID string

	// Scopes for Azure Entra authentication
	Scopes []string

	// RefreshBeforeExpiry specifies how long before token expiry to refresh
	RefreshBeforeExpiry time.Duration

	// AppName is reported to the server in the handshake
	AppName string
}

// NewMongoClientWithAuth connects to MongoDB with the configured method and pings it
func NewMongoClientWithAuth(ctx context.Context, config *MongoAuthConfig) (*mongo.Client, error) {
	if err := normalize(config); err != nil {
		return nil, err
	}

	var credential azcore.TokenCredential
	if config.AuthMethod == MethodEntra {
		cred, err := NewCredential(config.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to get azure credentials: %w", err)
		}
		credential = cred
	}

	clientOpts, err := ClientOptions(config, credential)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("auth_method", config.AuthMethod).Msg("Connecting to MongoDB")
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Info().Str("auth_method", config.AuthMethod).Msg("MongoDB connection established")

	return client, nil
}

// ClientOptions builds driver options for config. credential is required for entra.
func ClientOptions(config *MongoAuthConfig, credential azcore.TokenCredential) (*options.ClientOptions, error) {
	if err := normalize(config); err != nil {
		return nil, err
	}

	clientOpts := options.Client().ApplyURI(config.ConnectionURI)
	applyDefaultConnectionParams(clientOpts)
	if config.AppName != "" {
		clientOpts.SetAppName(config.AppName)
	}

	switch config.AuthMethod {
	case MethodConnectionString:
		// Credentials, if any, come from the URI.
	case MethodEntra:
		if credential == nil {
			return nil, fmt.Errorf("%w: entra authentication needs a token credential", ErrCredentialsNotFound)
		}
		cache := newTokenCache(credential, config.Scopes, config.RefreshBeforeExpiry)
		clientOpts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
		clientOpts.SetAuth(options.Credential{
			AuthMechanism:       "MONGODB-OIDC",
			OIDCMachineCallback: cache.oidcCallback,
		})
	}

	return clientOpts, clientOpts.Validate()
}

func normalize(config *MongoAuthConfig) error {
	if config == nil {
		return fmt.Errorf("%w: mongo auth config is required", ErrConfigurationInvalid)
	}
	if config.ConnectionURI == "" {
		return fmt.Errorf("%w: connection URI is required", ErrConfigurationInvalid)
	}
	if config.AuthMethod == "" {
		config.AuthMethod = MethodConnectionString
	}

	switch config.AuthMethod {
	case MethodConnectionString:
		return nil
	case MethodEntra:
		if err := validateEntraConfig(config); err != nil {
			return fmt.Errorf("invalid Entra configuration: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidMethod, config.AuthMethod)
}

// applyDefaultConnectionParams applies default MongoDB connection parameters
func applyDefaultConnectionParams(clientOpts *options.ClientOptions) {
	clientOpts.SetConnectTimeout(30 * time.Second)
	clientOpts.SetServerSelectionTimeout(30 * time.Second)

	// Tailing reads must not be retried onto another member mid-cursor, the
	// source reopens its own cursor instead.
	clientOpts.SetRetryWrites(true)
	clientOpts.SetRetryReads(false)
}

// validateEntraConfig validates the Entra authentication configuration and fills defaults
func validateEntraConfig(config *MongoAuthConfig) error {
	if config.TenantID == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrConfigurationInvalid)
	}

	if len(config.Scopes) == 0 {
		config.Scopes = []string{CosmosMongoScope}
	}

	validScopeFound := false
	for _, scope := range config.Scopes {
		if scope == CosmosMongoScope {
			validScopeFound = true
			continue
		}
		if foreignScopes[scope] {
			return fmt.Errorf("%w: invalid scope for Azure Cosmos DB for MongoDB: %s", ErrConfigurationInvalid, scope)
		}
	}
	if !validScopeFound {
		return fmt.Errorf("%w: scopes must include %q", ErrConfigurationInvalid, CosmosMongoScope)
	}

	if config.RefreshBeforeExpiry == 0 {
		config.RefreshBeforeExpiry = defaultRefreshBeforeExpiry
	}

	return nil
}

// NewCredential returns a user-assigned managed identity credential when
// clientID is set, DefaultAzureCredential otherwise.
func NewCredential(clientID string) (azcore.TokenCredential, error) {
	if clientID != "" {
		return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(clientID),
		})
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

// tokenCache hands out one Entra token until it is close to expiry.
// Concurrent refreshes collapse into a single GetToken call.
type tokenCache struct {
	credential          azcore.TokenCredential
	scopes              []string
	refreshBeforeExpiry time.Duration
	group               singleflight.Group
	now                 func() time.Time

	mu    sync.RWMutex
	token azcore.AccessToken
}

func newTokenCache(credential azcore.TokenCredential, scopes []string, refreshBeforeExpiry time.Duration) *tokenCache {
	if refreshBeforeExpiry <= 0 {
		refreshBeforeExpiry = defaultRefreshBeforeExpiry
	}
	return &tokenCache{
		credential:          credential,
		scopes:              scopes,
		refreshBeforeExpiry: refreshBeforeExpiry,
		now:                 time.Now,
	}
}

func (c *tokenCache) cached() (azcore.AccessToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.Token == "" {
		return azcore.AccessToken{}, false
	}
	if c.now().Add(c.refreshBeforeExpiry).Before(c.token.ExpiresOn) {
		return c.token, true
	}
	return azcore.AccessToken{}, false
}

// Token returns the cached token or fetches a new one
func (c *tokenCache) Token(ctx context.Context) (azcore.AccessToken, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (interface{}, error) {
		if token, ok := c.cached(); ok {
			return token, nil
		}
		token, err := c.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: c.scopes})
		if err != nil {
			return azcore.AccessToken{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		log.Debug().Time("expires_on", token.ExpiresOn).Msg("Acquired Entra token")
		return token, nil
	})
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return v.(azcore.AccessToken), nil
}

// oidcCallback is the MONGODB-OIDC machine callback invoked by the driver
func (c *tokenCache) oidcCallback(ctx context.Context, _ *options.OIDCArgs) (*options.OIDCCredential, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	expiresAt := token.ExpiresOn
	return &options.OIDCCredential{
		AccessToken: token.Token,
		ExpiresAt:   &expiresAt,
	}, nil
}
