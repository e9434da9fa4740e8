package estuary

import (
	"context"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/cohenjo/changestream/pkg/auth"
	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

type itemUpserter interface {
	UpsertItem(ctx context.Context, partitionKey azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
}

// CosmosEndpoint upserts events into a container partitioned on /coll.
type CosmosEndpoint struct {
	container itemUpserter
}

// cosmosItem is the envelope with the id Cosmos DB requires
type cosmosItem struct {
	ID string `json:"id"`
	envelope
}

// NewCosmosEndpoint accepts either a connection string
// (AccountEndpoint=...;AccountKey=...) or an account endpoint URL, in which
// case it authenticates with Entra ID.
func NewCosmosEndpoint(cfg config.TargetConfig) (*CosmosEndpoint, error) {
	var (
		client *azcosmos.Client
		err    error
	)
	if strings.HasPrefix(cfg.URI, "AccountEndpoint=") {
		client, err = azcosmos.NewClientFromConnectionString(cfg.URI, nil)
	} else {
		clientID, _ := cfg.Options["client_id"].(string)
		credential, credErr := auth.NewCredential(clientID)
		if credErr != nil {
			return nil, NewConnectionError("cosmosdb", "cannot create credential", credErr)
		}
		client, err = azcosmos.NewClient(cfg.URI, credential, nil)
	}
	if err != nil {
		return nil, NewConnectionError("cosmosdb", "failed to create client", err)
	}

	container, err := client.NewContainer(cfg.Database, cfg.Collection)
	if err != nil {
		return nil, NewConnectionError("cosmosdb", "failed to open container", err)
	}
	return &CosmosEndpoint{container: container}, nil
}

func (ce *CosmosEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	item, err := ffjson.Marshal(cosmosItem{ID: record.Token, envelope: newEnvelope(record)})
	if err != nil {
		return NewEncodingError("cosmosdb", err)
	}

	pk := azcosmos.NewPartitionKeyString(record.Collection)
	if _, err := ce.container.UpsertItem(ctx, pk, item, nil); err != nil {
		return NewWriteError("cosmosdb", "upsert failed", err)
	}
	return nil
}

func (ce *CosmosEndpoint) Close() error {
	return nil
}
